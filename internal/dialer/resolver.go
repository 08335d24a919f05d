package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/postalsys/s2p/internal/metrics"
)

// ErrNoAddress is returned when a name resolves to no usable address.
var ErrNoAddress = errors.New("no addresses found")

// DNSConfig contains DNS resolver configuration.
type DNSConfig struct {
	// Servers are queried in order. Empty uses the system resolver, which
	// also covers local names such as printer.local.
	Servers []string

	// Timeout bounds one resolution.
	Timeout time.Duration

	// MaxTTL caps how long an answer is cached. Answers from the system
	// resolver carry no TTL and are cached for MaxTTL.
	MaxTTL time.Duration
}

// DefaultDNSConfig returns sensible defaults.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Servers: []string{},
		Timeout: 5 * time.Second,
		MaxTTL:  5 * time.Minute,
	}
}

// ResolveError reports a failed lookup.
type ResolveError struct {
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Resolver resolves domain targets, caching answers.
type Resolver struct {
	cfg     DNSConfig
	client  *dns.Client
	metrics *metrics.Metrics

	mu         sync.Mutex
	cache      map[string]cacheEntry
	maxEntries int
	now        func() time.Time
}

// MaxCacheEntries bounds the resolver cache. Expired entries are pruned
// when it fills; after that the entry closest to expiry is evicted.
const MaxCacheEntries = 4096

type cacheEntry struct {
	addr      netip.Addr
	expiresAt time.Time
}

// NewResolver creates a resolver. m may be nil.
func NewResolver(cfg DNSConfig, m *metrics.Metrics) *Resolver {
	def := DefaultDNSConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}
	cfg.Servers = servers

	return &Resolver{
		cfg:     cfg,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		metrics: m,
		cache:      make(map[string]cacheEntry),
		maxEntries: MaxCacheEntries,
		now:        time.Now,
	}
}

// Lookup resolves name to one address, preferring IPv4. IP literals are
// returned unchanged. Internationalized names are converted to their
// ASCII form first.
func (r *Resolver) Lookup(ctx context.Context, name string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(name); err == nil {
		return ip.Unmap(), nil
	}

	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		r.record("error")
		return netip.Addr{}, &ResolveError{Name: name, Err: err}
	}

	if addr, ok := r.cached(ascii); ok {
		r.record("cached")
		return addr, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var addr netip.Addr
	var ttl time.Duration
	if len(r.cfg.Servers) > 0 {
		addr, ttl, err = r.exchange(ctx, ascii)
	} else {
		addr, err = r.system(ctx, ascii)
		ttl = r.cfg.MaxTTL
	}
	if err != nil {
		r.record("error")
		return netip.Addr{}, &ResolveError{Name: name, Err: err}
	}

	r.record("ok")
	r.store(ascii, addr, min(ttl, r.cfg.MaxTTL))
	return addr, nil
}

func (r *Resolver) system(ctx context.Context, name string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", name)
	if err != nil {
		return netip.Addr{}, err
	}
	return pick(addrs)
}

// exchange queries the configured servers for A, then AAAA records.
func (r *Resolver) exchange(ctx context.Context, name string) (netip.Addr, time.Duration, error) {
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, server := range r.cfg.Servers {
			addrs, ttl, err := r.query(ctx, server, name, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			if len(addrs) == 0 {
				// Authoritative empty answer: try the next record type.
				lastErr = ErrNoAddress
				break
			}
			addr, err := pick(addrs)
			return addr, ttl, err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoAddress
	}
	return netip.Addr{}, 0, lastErr
}

func (r *Resolver) query(ctx context.Context, server, name string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, server)
	if err == nil && in.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: r.cfg.Timeout}
		in, _, err = tcp.ExchangeContext(ctx, m, server)
	}
	if err != nil {
		return nil, 0, err
	}

	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, 0, &net.DNSError{Err: "no such host", Name: name, Server: server, IsNotFound: true}
	default:
		return nil, 0, &net.DNSError{Err: dns.RcodeToString[in.Rcode], Name: name, Server: server}
	}

	var addrs []netip.Addr
	ttl := r.cfg.MaxTTL
	for _, rr := range in.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
		ttl = min(ttl, time.Duration(rr.Header().Ttl)*time.Second)
	}
	return addrs, ttl, nil
}

// pick prefers the first IPv4 address.
func pick(addrs []netip.Addr) (netip.Addr, error) {
	if len(addrs) == 0 {
		return netip.Addr{}, ErrNoAddress
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

func (r *Resolver) record(result string) {
	if r.metrics != nil {
		r.metrics.RecordDNS(result)
	}
}

// cached returns a live cache entry. Expired entries are deleted to
// prevent unbounded cache growth.
func (r *Resolver) cached(name string) (netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[name]
	if !ok {
		return netip.Addr{}, false
	}
	if r.now().After(entry.expiresAt) {
		delete(r.cache, name)
		return netip.Addr{}, false
	}
	return entry.addr, true
}

func (r *Resolver) store(name string, addr netip.Addr, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, ok := r.cache[name]; !ok && len(r.cache) >= r.maxEntries {
		r.pruneLocked(now)
	}
	r.cache[name] = cacheEntry{addr: addr, expiresAt: now.Add(ttl)}
}

// pruneLocked drops expired entries, or the soonest-expiring one when
// none has expired. r.mu must be held.
func (r *Resolver) pruneLocked(now time.Time) {
	var (
		oldest    string
		oldestExp time.Time
	)
	for name, e := range r.cache {
		if now.After(e.expiresAt) {
			delete(r.cache, name)
			continue
		}
		if oldest == "" || e.expiresAt.Before(oldestExp) {
			oldest, oldestExp = name, e.expiresAt
		}
	}
	if len(r.cache) >= r.maxEntries && oldest != "" {
		delete(r.cache, oldest)
	}
}

// ClearCache clears the DNS cache.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// CacheSize returns the number of cached entries.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
