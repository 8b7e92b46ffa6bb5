// Copyright 2024 Brokercore Authors. All rights reserved.

package brokercore

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Server is one candidate broker endpoint. reconnects is mutated only by
// Connect and the reconnect loop: incremented (with wrapping) on every
// failed connection attempt, reset to zero on every successful session
// establishment.
type Server struct {
	Host        string
	Port        int
	User        string
	Pass        string
	TLSRequired bool

	reconnects uint32
}

func (s *Server) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *Server) String() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// bumpReconnects increments the retry counter with wrapping addition, so
// a long-lived connection hammering a dead server cannot overflow into a
// crash.
func (s *Server) bumpReconnects() {
	s.reconnects++
}

func (s *Server) resetReconnects() {
	s.reconnects = 0
}

// ParseServers splits a list of "nats://[user[:pass]@]host:port" URLs
// into Server records. Missing scheme defaults to nats://, missing port
// defaults to DefaultPort.
func ParseServers(urls []string) ([]Server, error) {
	out := make([]Server, 0, len(urls))
	for _, raw := range urls {
		s, err := parseServerURL(raw)
		if err != nil {
			return nil, fmt.Errorf("brokercore: parsing server url %q: %w", raw, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseServerURL(raw string) (Server, error) {
	if !strings.Contains(raw, "://") {
		raw = "nats://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Server{}, err
	}
	host := u.Hostname()
	if host == "" {
		host = raw
	}
	port := DefaultPort
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	srv := Server{Host: host, Port: port, TLSRequired: u.Scheme == "tls"}
	if u.User != nil {
		srv.User = u.User.Username()
		srv.Pass, _ = u.User.Password()
	}
	return srv, nil
}

// DefaultPort is used for any configured server URL that omits one.
const DefaultPort = 4222

// ServerInfo is the decoded payload of the broker's INFO frame.
type ServerInfo struct {
	ServerID     string   `json:"server_id"`
	Version      string   `json:"version"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AuthRequired bool     `json:"auth_required"`
	TLSRequired  bool     `json:"tls_required"`
	MaxPayload   int64    `json:"max_payload"`
	ConnectURLs  []string `json:"connect_urls"`
	Nonce        string   `json:"nonce"`
}

// learnedServers derives the reconnect candidates the broker advertised
// alongside itself, via connect_urls.
func (si ServerInfo) learnedServers() []Server {
	if len(si.ConnectURLs) == 0 {
		return nil
	}
	servers, err := ParseServers(si.ConnectURLs)
	if err != nil {
		return nil
	}
	return servers
}

// connectInfo is the CONNECT frame payload.
type connectInfo struct {
	Verbose  bool   `json:"verbose"`
	Pedantic bool   `json:"pedantic"`
	TLS      bool   `json:"tls_required"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`
	Nkey     string `json:"nkey,omitempty"`
	Sig      string `json:"sig,omitempty"`
}

// TryConnect dials the server, reads and parses the initial INFO line,
// upgrades to TLS whenever opts.Secure is set (a server whose INFO marks
// tls_required is refused with ErrSecureConnRequired when opts.Secure is
// unset), and completes the CONNECT
// handshake (signing the server's nonce with opts.Signer when an Nkey
// identity is configured). It returns a buffered reader, a live Writer,
// and the parsed ServerInfo on success; on failure the Server record is
// left untouched, matching the contract external callers rely on.
func (s *Server) TryConnect(opts *Options) (*bufio.Reader, Writer, ServerInfo, error) {
	conn, err := net.DialTimeout("tcp", s.addr(), opts.Timeout)
	if err != nil {
		return nil, nil, ServerInfo{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(opts.Timeout))
	br := bufio.NewReaderSize(conn, defaultBufSize)
	op, err := parseControlOp(br)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, nil, ServerInfo{}, err
	}
	infoOp, ok := op.(opInfo)
	if !ok {
		conn.Close()
		return nil, nil, ServerInfo{}, fmt.Errorf("brokercore: protocol exception, INFO not received")
	}
	var info ServerInfo
	if len(infoOp.payload) > 0 {
		if err := json.Unmarshal(infoOp.payload, &info); err != nil {
			conn.Close()
			return nil, nil, ServerInfo{}, err
		}
	}

	useTLS := opts.Secure || info.TLSRequired
	if info.TLSRequired && !opts.Secure {
		conn.Close()
		return nil, nil, ServerInfo{}, ErrSecureConnRequired
	}

	var writer Writer
	var reader *bufio.Reader
	if useTLS {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		tconn := tls.Client(conn, cfg)
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			return nil, nil, ServerInfo{}, err
		}
		writer = newTLSWriter(tconn)
		reader = bufio.NewReaderSize(tconn, defaultBufSize)
	} else {
		writer = newTCPWriter(conn)
		reader = bufio.NewReaderSize(conn, defaultBufSize)
	}

	cinfo := connectInfo{
		Verbose:  opts.Verbose,
		Pedantic: opts.Pedantic,
		TLS:      useTLS,
		User:     s.User,
		Pass:     s.Pass,
	}
	if opts.Nkey != "" && opts.Signer != nil && info.Nonce != "" {
		sig, err := opts.Signer.Sign([]byte(info.Nonce))
		if err != nil {
			conn.Close()
			return nil, nil, ServerInfo{}, err
		}
		cinfo.Nkey = opts.Nkey
		cinfo.Sig = base64.RawURLEncoding.EncodeToString(sig)
	}
	b, err := json.Marshal(cinfo)
	if err != nil {
		conn.Close()
		return nil, nil, ServerInfo{}, err
	}
	if _, err := fmt.Fprintf(writer, "CONNECT %s\r\n", b); err != nil {
		conn.Close()
		return nil, nil, ServerInfo{}, err
	}
	if err := writer.Flush(); err != nil {
		conn.Close()
		return nil, nil, ServerInfo{}, err
	}

	return reader, writer, info, nil
}
