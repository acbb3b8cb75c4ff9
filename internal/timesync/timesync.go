// Package timesync verifies the local clock against several SNTP servers
// before an alert is sent.
package timesync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	logx "deadman/pkg/logx"
)

var ErrUntrusted = errors.New("local clock not trusted")

// ntpEpochOffset is the number of seconds between 1900-01-01 and 1970-01-01.
const ntpEpochOffset = 2208988800

var DefaultServers = []string{"ntp.aliyun.com", "ntp.tencent.com", "pool.ntp.org"}

type Config struct {
	Servers    []string
	Timeout    time.Duration // per server
	MaxSkew    time.Duration
	MinSuccess int
}

// QueryFunc asks one server for the current time.
type QueryFunc func(ctx context.Context, server string, timeout time.Duration) (time.Time, error)

type Checker struct {
	cfg   Config
	query QueryFunc
	now   func() time.Time
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) *Checker {
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultServers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 2 * time.Second
	}
	if cfg.MinSuccess <= 0 {
		cfg.MinSuccess = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checker{cfg: cfg, query: QuerySNTP, now: time.Now, log: log.With(logx.String("comp", "timesync"))}
}

// WithQuery replaces the server query, for tests.
func (c *Checker) WithQuery(q QueryFunc, now func() time.Time) *Checker {
	cp := *c
	if q != nil {
		cp.query = q
	}
	if now != nil {
		cp.now = now
	}
	return &cp
}

// Result describes one verification.
type Result struct {
	Trusted   time.Time
	Skew      time.Duration
	Successes int
}

// Verify queries all servers in parallel, takes the median of the answers
// and fails with ErrUntrusted when too few servers answer or the local clock
// is off by more than MaxSkew.
func (c *Checker) Verify(ctx context.Context) (Result, error) {
	type answer struct {
		server string
		at     time.Time
		err    error
	}
	answers := make([]answer, len(c.cfg.Servers))
	var wg sync.WaitGroup
	for i, srv := range c.cfg.Servers {
		wg.Add(1)
		go func(i int, srv string) {
			defer wg.Done()
			at, err := c.query(ctx, srv, c.cfg.Timeout)
			answers[i] = answer{server: srv, at: at, err: err}
		}(i, srv)
	}
	wg.Wait()

	var (
		times []time.Time
		errs  []string
	)
	for _, a := range answers {
		if a.err != nil {
			c.log.Debug("ntp query failed", logx.String("server", a.server), logx.Err(a.err))
			errs = append(errs, a.server+": "+a.err.Error())
			continue
		}
		times = append(times, a.at)
	}
	if len(times) < c.cfg.MinSuccess {
		return Result{Successes: len(times)}, fmt.Errorf("%w: %d/%d servers answered (%s)",
			ErrUntrusted, len(times), c.cfg.MinSuccess, strings.Join(errs, "; "))
	}

	trusted := median(times)
	skew := trusted.Sub(c.now())
	if skew < 0 {
		skew = -skew
	}
	res := Result{Trusted: trusted, Skew: skew, Successes: len(times)}
	if skew > c.cfg.MaxSkew {
		return res, fmt.Errorf("%w: skew %s exceeds %s", ErrUntrusted, skew.Round(time.Millisecond), c.cfg.MaxSkew)
	}
	c.log.Debug("clock verified", logx.Duration("skew", skew), logx.Int("servers", len(times)))
	return res, nil
}

func median(ts []time.Time) time.Time {
	s := append([]time.Time(nil), ts...)
	sort.Slice(s, func(i, j int) bool { return s[i].Before(s[j]) })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	a, b := s[n/2-1], s[n/2]
	return a.Add(b.Sub(a) / 2)
}

// QuerySNTP sends one client-mode SNTP request to server (port 123 unless
// the address carries one) and returns the server's transmit timestamp.
func QuerySNTP(ctx context.Context, server string, timeout time.Duration) (time.Time, error) {
	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, "123")
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	req := make([]byte, 48)
	req[0] = 0x1b // LI=0, VN=3, Mode=3 (client)
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, err
	}
	resp := make([]byte, 48)
	n, err := conn.Read(resp)
	if err != nil {
		return time.Time{}, err
	}
	if n < 48 {
		return time.Time{}, fmt.Errorf("short ntp response (%d bytes)", n)
	}
	return parseTransmit(resp)
}

func parseTransmit(b []byte) (time.Time, error) {
	secs := binary.BigEndian.Uint32(b[40:44])
	frac := binary.BigEndian.Uint32(b[44:48])
	if secs == 0 {
		return time.Time{}, errors.New("ntp response without transmit timestamp")
	}
	nanos := (int64(frac) * 1e9) >> 32
	return time.Unix(int64(secs)-ntpEpochOffset, nanos), nil
}
