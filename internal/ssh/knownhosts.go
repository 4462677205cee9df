package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback returns a host key callback backed by the known_hosts
// file at path. Unknown hosts are appended on first contact (trust on first
// use); a host whose recorded key differs is rejected. An empty path disables
// host key checking.
//
// The file and its parent directory are created if missing.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := ensureKnownHosts(path); err != nil {
		return nil, err
	}

	known, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	t := &tofu{path: path, known: known}
	return t.check, nil
}

func ensureKnownHosts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating known_hosts directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("creating known_hosts file: %w", err)
	}
	return f.Close()
}

type tofu struct {
	path  string
	known ssh.HostKeyCallback

	mu sync.Mutex
	// added holds keys learned by this process; knownhosts.New only sees the
	// file as it was when loaded.
	added map[string]ssh.PublicKey
}

func (t *tofu) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := t.known(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	host := knownhosts.Normalize(hostname)
	if prev, ok := t.added[host]; ok {
		if string(prev.Marshal()) != string(key.Marshal()) {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack)", hostname)
		}
		return nil
	}

	if err := t.appendLine(knownhosts.Line([]string{host}, key)); err != nil {
		return err
	}
	if t.added == nil {
		t.added = make(map[string]ssh.PublicKey)
	}
	t.added[host] = key

	logrus.WithFields(logrus.Fields{"host": hostname, "file": t.path}).Info("ssh.host_key_added")
	return nil
}

func (t *tofu) appendLine(line string) error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	return nil
}
