package portal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kubev2v/bot-runner/internal/bot"
	"github.com/kubev2v/bot-runner/internal/helper"
	"github.com/sethvargo/go-retry"
)

const ProxyName = "portal_proxy"

var ErrProxyExited = errors.New("proxy exited before accepting connections")

type ProxyOptions struct {
	Options
	JobID    string
	Launcher *helper.Launcher
	// Command starts the proxy. It receives the listen address as last
	// argument.
	Command []string
	Address string
	// ReadyTimeout bounds the wait for the proxy to accept connections.
	ReadyTimeout time.Duration
}

// ProxiedBot is a portal bot whose traffic goes through a helper proxy
// process started for the job.
type ProxiedBot struct {
	*Bot
	opts ProxyOptions

	once    sync.Once
	process *helper.Process
	err     error
}

func NewProxied(opts ProxyOptions) (*ProxiedBot, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("portal_proxy: no proxy command configured")
	}
	if opts.Launcher == nil {
		return nil, errors.New("portal_proxy: a helper launcher is required")
	}
	if opts.Address == "" {
		opts.Address = "127.0.0.1:3128"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}

	proxyURL, err := url.Parse("http://" + opts.Address)
	if err != nil {
		return nil, fmt.Errorf("portal_proxy: invalid proxy address: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)

	timeout := http.DefaultClient.Timeout
	if opts.Client != nil {
		timeout = opts.Client.Timeout
	}
	opts.Client = &http.Client{Transport: transport, Timeout: timeout}

	b, err := New(opts.Options)
	if err != nil {
		return nil, err
	}
	p := &ProxiedBot{Bot: b, opts: opts}
	b.onClose(p.stopProxy)
	return p, nil
}

// Authenticate starts the proxy helper on first use and waits for it to
// listen, then logs in through it.
func (p *ProxiedBot) Authenticate(ctx context.Context, creds bot.Credentials) (bool, error) {
	p.once.Do(func() {
		args := append(append([]string{}, p.opts.Command[1:]...), p.opts.Address)
		p.process, p.err = p.opts.Launcher.Start(ctx, p.opts.JobID, p.opts.Command[0], args...)
		if p.err == nil {
			p.err = p.waitReady(ctx)
		}
	})
	if p.err != nil {
		return false, fmt.Errorf("portal_proxy: %w", p.err)
	}
	return p.Bot.Authenticate(ctx, creds)
}

func (p *ProxiedBot) waitReady(ctx context.Context) error {
	var dialer net.Dialer
	backoff := retry.WithMaxDuration(p.opts.ReadyTimeout, retry.NewConstant(25*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		select {
		case <-p.process.Exited():
			return ErrProxyExited
		default:
		}
		conn, err := dialer.DialContext(ctx, "tcp", p.opts.Address)
		if err != nil {
			return retry.RetryableError(err)
		}
		return conn.Close()
	})
	if err != nil {
		return fmt.Errorf("waiting for proxy on %s: %w", p.opts.Address, err)
	}
	return nil
}

// Pid returns the helper's pid, 0 before it is started.
func (p *ProxiedBot) Pid() int {
	if p.process == nil {
		return 0
	}
	return p.process.Pid()
}

func (p *ProxiedBot) stopProxy() error {
	if p.process == nil {
		return nil
	}
	return p.process.Stop()
}
