package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// testServer is an in-process SSH server that understands a handful of
// exec commands and serves the sftp subsystem from the local filesystem.
type testServer struct {
	addr     string
	hostKey  xssh.Signer
	listener net.Listener
	wg       sync.WaitGroup
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostKey, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(c xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{addr: ln.Addr().String(), hostKey: hostKey, listener: ln}
	s.wg.Add(1)
	go s.serve(cfg)
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) serve(cfg *xssh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn, cfg)
	}
}

func (s *testServer) handleConnection(netConn net.Conn, cfg *xssh.ServerConfig) {
	defer netConn.Close()
	sshConn, chans, reqs, err := xssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go xssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(xssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleChannel(channel, requests)
	}
}

func exitStatus(ch xssh.Channel, status uint32) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, status)
	ch.SendRequest("exit-status", false, payload)
}

func handleChannel(channel xssh.Channel, requests <-chan *xssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				req.Reply(true, nil)
			}
			switch command {
			case "echo hello":
				channel.Write([]byte("hello\n"))
				exitStatus(channel, 0)
			case "fail":
				channel.Stderr().Write([]byte("boom\n"))
				exitStatus(channel, 2)
			default:
				exitStatus(channel, 0)
			}
			return
		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = srv.Serve()
			srv.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
