package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// authErrorCodes are ngrok error codes for missing, invalid or revoked
// authtokens.
var authErrorCodes = map[string]bool{
	"ERR_NGROK_105":  true,
	"ERR_NGROK_106":  true,
	"ERR_NGROK_107":  true,
	"ERR_NGROK_4018": true,
}

// Ngrok opens HTTP endpoints through the ngrok agent SDK.
type Ngrok struct {
	// Domain optionally requests a reserved domain.
	Domain string
}

// Open connects an agent session and forwards a new HTTP endpoint to
// http://127.0.0.1:port.
func (n Ngrok) Open(ctx context.Context, token string, port int) (Tunnel, error) {
	backend := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}

	sess, err := ngrok.Connect(ctx, ngrok.WithAuthtoken(token))
	if err != nil {
		return nil, classify(err)
	}

	var epOpts []config.HTTPEndpointOption
	if n.Domain != "" {
		epOpts = append(epOpts, config.WithDomain(n.Domain))
	}
	fwd, err := sess.ListenAndForward(ctx, backend, config.HTTPEndpoint(epOpts...))
	if err != nil {
		_ = sess.Close()
		return nil, classify(err)
	}
	return &ngrokTunnel{sess: sess, fwd: fwd}, nil
}

// classify maps credential rejections to ErrTunnelAuth.
func classify(err error) error {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && authErrorCodes[coded.ErrorCode()] {
		return fmt.Errorf("%w: %w", ErrTunnelAuth, err)
	}
	return err
}

type ngrokTunnel struct {
	sess ngrok.Session
	fwd  ngrok.Forwarder
}

func (t *ngrokTunnel) URL() string { return t.fwd.URL() }

func (t *ngrokTunnel) Close() error {
	return errors.Join(t.fwd.Close(), t.sess.Close())
}
