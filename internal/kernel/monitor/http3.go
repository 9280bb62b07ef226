package monitor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// Server is the HTTP/3 lifecycle around the monitor handler.
type Server struct {
	pc   net.PacketConn
	srv  *http3.Server
	addr string
	errC chan error
}

// NewServer binds the monitor to addr. With a nil TLS config a self-signed
// certificate is minted; the endpoint is for local tooling, not trust.
func NewServer(addr string, tlsCfg *tls.Config, h http.Handler) (*Server, error) {
	if tlsCfg == nil {
		cfg, err := selfSignedTLS()
		if err != nil {
			return nil, err
		}
		tlsCfg = cfg
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.NextProtos = []string{"h3"}
	}
	if tlsCfg.MinVersion < tls.VersionTLS13 {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.MinVersion = tls.VersionTLS13
	}
	srv := &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: h}
	return &Server{srv: srv, addr: addr, errC: make(chan error, 1)}, nil
}

// Start begins serving and returns the bound address (useful with ":0").
func (s *Server) Start() (string, error) {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	s.pc = pc
	go func() {
		if err := s.srv.Serve(pc); err != nil {
			select {
			case s.errC <- err:
			default:
			}
		}
	}()
	return pc.LocalAddr().String(), nil
}

// Close stops the server.
func (s *Server) Close() error {
	if s.pc != nil {
		_ = s.pc.Close()
	}
	return s.srv.Close()
}

// Err surfaces the first serve error, if any.
func (s *Server) Err() <-chan error { return s.errC }

func selfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "h2o-monitor"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}, nil
}
