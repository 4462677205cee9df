package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuthType is the special value for --ssh-key to use the SSH agent.
const AgentAuthType = "agent"

const agentSocketEnv = "SSH_AUTH_SOCK"

// AgentAvailable returns true if the SSH agent socket is available.
func AgentAvailable() bool {
	return os.Getenv(agentSocketEnv) != ""
}

// LoadSigners resolves the --ssh-key setting:
//   - "": no key authentication
//   - "agent": every key held by the SSH agent
//   - otherwise: the OpenSSH private key file at that path
func LoadSigners(source string) ([]ssh.Signer, error) {
	switch source {
	case "":
		return nil, nil
	case AgentAuthType:
		return agentSigners(os.Getenv(agentSocketEnv))
	default:
		signer, err := loadPrivateKey(source)
		if err != nil {
			return nil, err
		}
		return []ssh.Signer{signer}, nil
	}
}

func agentSigners(socket string) ([]ssh.Signer, error) {
	if socket == "" {
		return nil, errors.New(agentSocketEnv + " not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}

	// The signers sign through conn, so it stays open for the process lifetime.
	signers, err := agent.NewClient(conn).Signers()
	if err == nil && len(signers) == 0 {
		err = errors.New("no keys available in SSH agent")
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH agent: %w", err)
	}
	return signers, nil
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("key file %s is passphrase protected; load it into the agent and use --ssh-key=agent", path)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	return signer, nil
}
