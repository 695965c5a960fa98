package ledger

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"medledger/pkg/wallet"
)

// Contract issues operations against the configured chaincode. Submit is
// ordered and consensus-committed; Evaluate is a local read that may be
// slightly stale. Both return classified errors (see errors.go).
type Contract interface {
	Submit(ctx context.Context, name string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Config locates the ledger network and names the channel and chaincode
// every session binds to.
type Config struct {
	PeerEndpoint  string
	GatewayPeer   string // TLS server name override
	TLSCACertPath string // empty means an insecure (dev) connection
	Channel       string
	Chaincode     string
}

type fabricContract struct {
	inner *client.Contract
}

func (c *fabricContract) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	b, err := c.inner.SubmitWithContext(ctx, name, client.WithArguments(args...))
	if err != nil {
		return nil, ClassifySubmit(err)
	}
	return b, nil
}

func (c *fabricContract) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	b, err := c.inner.EvaluateWithContext(ctx, name, client.WithArguments(args...))
	if err != nil {
		return nil, ClassifyEvaluate(err)
	}
	return b, nil
}

type gatewaySession struct {
	gateway *client.Gateway
	conn    *grpc.ClientConn
}

func (s *gatewaySession) Close() error {
	if err := s.gateway.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// DialGateway opens a gRPC connection authenticated with the given
// identity and resolves the configured channel and chaincode. Returned
// closer tears down both the gateway and the underlying connection.
func DialGateway(cfg Config, id wallet.Identity) (Contract, io.Closer, error) {
	cert, err := identity.CertificateFromPEM([]byte(id.CertificatePEM))
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate for %s: %w", id.Label, err)
	}
	x509ID, err := identity.NewX509Identity(id.MSPID, cert)
	if err != nil {
		return nil, nil, fmt.Errorf("build identity for %s: %w", id.Label, err)
	}
	key, err := identity.PrivateKeyFromPEM([]byte(id.PrivateKeyPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key for %s: %w", id.Label, err)
	}
	sign, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fmt.Errorf("build signer for %s: %w", id.Label, err)
	}

	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := grpc.NewClient(cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.PeerEndpoint, err)
	}

	gw, err := client.Connect(x509ID,
		client.WithSign(sign),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(5*time.Second),
		client.WithEndorseTimeout(15*time.Second),
		client.WithSubmitTimeout(5*time.Second),
		client.WithCommitStatusTimeout(time.Minute),
	)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("gateway connect as %s: %w", id.Label, err)
	}

	contract := gw.GetNetwork(cfg.Channel).GetContract(cfg.Chaincode)
	return &fabricContract{inner: contract}, &gatewaySession{gateway: gw, conn: conn}, nil
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.TLSCACertPath == "" {
		return insecure.NewCredentials(), nil
	}
	pem, err := os.ReadFile(cfg.TLSCACertPath)
	if err != nil {
		return nil, fmt.Errorf("read TLS CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", cfg.TLSCACertPath)
	}
	return credentials.NewClientTLSFromCert(pool, cfg.GatewayPeer), nil
}
