package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	// ErrNoAcceptableMethod means the proxy rejected every offered
	// authentication method.
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	// ErrAuthRequired means the proxy wants credentials and none were given.
	ErrAuthRequired = errors.New("socks5: proxy requires username/password")
	// ErrAuthFailed means the proxy rejected the credentials.
	ErrAuthFailed = errors.New("socks5: authentication failed")
)

// ClientDial runs the client handshake on c and asks the proxy to CONNECT to
// address. On success c carries the tunnel. A refused CONNECT is a
// *ReplyError.
func ClientDial(c net.Conn, auth Auth, address string) error {
	req, err := connectRequest(address)
	if err != nil {
		return err
	}
	if err := negotiate(c, auth); err != nil {
		return err
	}

	if _, err := req.WriteTo(c); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}

// connectRequest is built before anything is written so a bad address never
// costs a round trip.
func connectRequest(address string) (*txsocks5.Request, error) {
	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// ParseAddress prefixes domains with their length; NewRequest adds it again.
		host = host[1:]
	}
	return txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port), nil
}

func negotiate(c net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	sel, err := txsocks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}

	switch sel.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return ErrAuthRequired
		}
		return userPass(c, auth)
	case noAcceptableMethods:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("socks5: unsupported method %#x", sel.Method)
	}
}

func userPass(c net.Conn, auth Auth) error {
	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(c); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}
