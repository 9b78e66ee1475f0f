package collector

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	detectionpb "github.com/keysentinel/agent/proto/detection"
)

// ServerConfig configures the mTLS gRPC listener that exposes
// DetectionService to fleet agents.
type ServerConfig struct {
	Addr     string
	CertPath string
	KeyPath  string
	CAPath   string
}

// NewGRPCServer builds a *grpc.Server with DetectionService registered and
// mutual TLS required of every connecting agent.
func NewGRPCServer(cfg ServerConfig, svc detectionpb.DetectionServiceServer) (*grpc.Server, error) {
	creds, err := serverTLSCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("collector: build tls credentials: %w", err)
	}

	srv := grpc.NewServer(grpc.Creds(creds))
	detectionpb.RegisterDetectionServiceServer(srv, svc)
	return srv, nil
}

// Listen opens a TCP listener on cfg.Addr for use with (*grpc.Server).Serve.
func Listen(cfg ServerConfig) (net.Listener, error) {
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("collector: listen %s: %w", cfg.Addr, err)
	}
	return lis, nil
}

func serverTLSCredentials(cfg ServerConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAPath)
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
