// Package server implements the external Server collaborator: the
// PostgreSQL wire-level startup/auth handshake and the simple-query path
// used for health checks. internal/pgpool never does I/O itself — it checks
// out and queries whatever this package hands it.
package server

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pgpool"
)

// Server is a single authenticated upstream PostgreSQL session.
type Server struct {
	conn net.Conn
	addr pgpool.Address

	serverID     int32
	serverInfo   []byte
	lastActivity atomic.Int64 // unix nanos
	bad          atomic.Bool
}

// Connector implements pgpool.Dialer by performing the real TCP dial and
// startup handshake. It is the only thing in this package that pgpool sees.
type Connector struct {
	DialTimeout time.Duration
}

// Startup opens a TCP connection to addr and performs the PostgreSQL
// startup/auth handshake for user against database, producing a
// ready-to-query Server.
func (c *Connector) Startup(serverID int32, addr pgpool.Address, user pgpool.User, database string) (pgpool.Server, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout, KeepAlive: 30 * time.Second}
	netConn, err := dialer.Dial("tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	s := &Server{conn: netConn, addr: addr, serverID: serverID}
	if err := s.authenticate(user, database); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", addr, err)
	}
	s.touch()
	return s, nil
}

// Query issues sql as a PostgreSQL simple query and drains the response
// until ReadyForQuery. The pool core's health check passes a literal ";"
// to skip the planner.
func (s *Server) Query(sql string) error {
	payload := append([]byte(sql), 0)
	if err := writeMsg(s.conn, 'Q', payload); err != nil {
		return fmt.Errorf("sending query: %w", err)
	}

	var queryErr error
	for {
		msgType, body, err := readMsg(s.conn)
		if err != nil {
			return fmt.Errorf("reading query response: %w", err)
		}
		switch msgType {
		case 'E':
			if queryErr == nil {
				queryErr = fmt.Errorf("backend error: %s", parseErrorMessage(body))
			}
		case 'Z':
			if queryErr != nil {
				return queryErr
			}
			s.touch()
			return nil
		}
	}
}

func (s *Server) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity is the timestamp of the most recent successful exchange.
func (s *Server) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// MarkBad flags the session for closing instead of being returned idle.
func (s *Server) MarkBad() { s.bad.Store(true) }

// IsBad reports whether MarkBad has been called.
func (s *Server) IsBad() bool { return s.bad.Load() }

// ServerInfo returns the ParameterStatus+BackendKeyData preamble captured
// during authenticate.
func (s *Server) ServerInfo() []byte { return s.serverInfo }

// ServerID returns the randomly assigned identity used for Reporter events.
func (s *Server) ServerID() int32 { return s.serverID }

// Address returns the endpoint this session is connected to.
func (s *Server) Address() pgpool.Address { return s.addr }

// Close tears down the underlying connection.
func (s *Server) Close() error { return s.conn.Close() }

// authenticate sends the startup message, handles whatever auth challenge
// the server issues, and collects ParameterStatus/BackendKeyData into
// serverInfo. Trust, cleartext and MD5 are handled inline; SCRAM is
// delegated to scram.go.
func (s *Server) authenticate(user pgpool.User, database string) error {
	conn := s.conn

	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16|0)
	body = append(body, ver...)

	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, user.ServerUsername...)
	body = append(body, 0)

	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)

	body = append(body, 0)

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	if _, err := conn.Write(append(msgLen, body...)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	var info []byte

	for {
		typeBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, typeBuf); err != nil {
			return fmt.Errorf("reading message type: %w", err)
		}
		msgType := typeBuf[0]

		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return fmt.Errorf("reading message length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		if payloadLen < 0 || payloadLen > 1<<24 {
			return fmt.Errorf("invalid message length: %d", payloadLen)
		}

		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
		}

		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0:
				continue
			case 3:
				if err := s.sendPasswordMessage(user.ServerPassword); err != nil {
					return err
				}
			case 5:
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := payload[4:8]
				md5Pass := computeMD5Password(user.ServerUsername, user.ServerPassword, salt)
				if err := s.sendPasswordMessage(md5Pass); err != nil {
					return err
				}
			case 10:
				if err := scramSHA256Auth(conn, user.ServerUsername, user.ServerPassword, payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'S':
			info = append(info, byte('S'))
			info = append(info, payload...)

		case 'K':
			info = append(info, byte('K'))
			info = append(info, payload...)

		case 'Z':
			if len(payload) >= 1 && payload[0] == 'I' {
				s.serverInfo = info
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case 'E':
			return fmt.Errorf("backend error during auth: %s", parseErrorMessage(payload))

		default:
			continue
		}
	}
}

func (s *Server) sendPasswordMessage(password string) error {
	payload := append([]byte(password), 0)
	return writeMsg(s.conn, 'p', payload)
}

func writeMsg(conn net.Conn, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

func readMsg(conn net.Conn) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return 0, nil, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return 0, nil, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > 1<<20 {
		return 0, nil, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return typeBuf[0], payload, nil
}

// computeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password + user) + salt).
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// parseErrorMessage extracts the message ('M') field from a PG
// ErrorResponse payload.
func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}
