// Package certcache provides a per-hostname leaf certificate cache with true
// single-flight issuance: concurrent callers asking for the same hostname
// all block on and receive the one in-flight signing result, rather than
// each racing to issue (and overwrite) their own leaf.
//
// This generalizes the fire-and-forget inflight-map dedup pattern used
// elsewhere in this codebase's ancestry, which only prevents duplicate work
// for the *first* caller and leaves every other concurrent caller to fall
// through and issue its own certificate.
package certcache

import (
	"crypto/tls"
	"sync"
	"time"

	"interceptproxy/internal/logger"
	"interceptproxy/internal/metrics"
)

// Signer issues a leaf certificate for a hostname. *ca.Issuer satisfies
// this.
type Signer interface {
	Sign(hostname string) (tls.Certificate, error)
}

// renewBefore is how far ahead of a leaf's expiry the cache proactively
// evicts it and re-signs on next request.
const renewBefore = time.Hour

type state int

const (
	statePending state = iota
	stateReady
	stateFailed
)

type entry struct {
	state state
	cert  tls.Certificate
	err   error
	done  chan struct{} // closed once state moves out of pending
}

// Cache deduplicates concurrent leaf issuance per hostname.
type Cache struct {
	signer Signer
	log    *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry

	// Metrics is optional; when nil, hit/miss/latency counters are skipped.
	Metrics *metrics.Metrics
}

// New returns a Cache that issues leaves through signer.
func New(signer Signer, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.New("CERTCACHE", "info")
	}
	return &Cache{signer: signer, log: log, entries: make(map[string]*entry)}
}

// Get returns a leaf certificate for hostname, issuing (and caching) one if
// necessary. If N goroutines call Get(hostname) concurrently while no valid
// entry exists, exactly one of them invokes the Signer; all N receive its
// result.
func (c *Cache) Get(hostname string) (tls.Certificate, error) {
	for {
		c.mu.Lock()
		e, ok := c.entries[hostname]
		if ok && e.state == stateReady && time.Until(e.cert.Leaf.NotAfter) > renewBefore {
			c.mu.Unlock()
			if c.Metrics != nil {
				c.Metrics.CertCacheHits.Add(1)
			}
			return e.cert, nil
		}
		if ok && e.state == statePending {
			c.mu.Unlock()
			if c.Metrics != nil {
				c.Metrics.CertCacheHits.Add(1)
			}
			<-e.done
			// e.state and e.err/e.cert are only written before close(e.done),
			// so reading them here after the receive is safe without the lock.
			if e.state == stateFailed {
				return tls.Certificate{}, e.err
			}
			return e.cert, nil
		}
		// No usable entry: this goroutine becomes the issuer.
		e = &entry{state: statePending, done: make(chan struct{})}
		c.entries[hostname] = e
		c.mu.Unlock()
		if c.Metrics != nil {
			c.Metrics.CertCacheMisses.Add(1)
		}

		issueStart := time.Now()
		cert, err := c.signer.Sign(hostname)
		if c.Metrics != nil {
			c.Metrics.RecordCertIssueLatency(time.Since(issueStart))
		}

		c.mu.Lock()
		if err != nil {
			e.state = stateFailed
			e.err = err
			c.log.Errorf("issue", "sign leaf for %s: %v", hostname, err)
			// Failed entries are not retried automatically; the next Get
			// starts a fresh attempt rather than wedging on a stale failure.
			// Waiters already blocked on e.done still observe this result.
			if c.entries[hostname] == e {
				delete(c.entries, hostname)
			}
		} else {
			e.state = stateReady
			e.cert = cert
			c.log.Infof("issue", "issued leaf for %s (expires %s)", hostname, cert.Leaf.NotAfter.Format(time.RFC3339))
		}
		close(e.done)
		c.mu.Unlock()

		if err != nil {
			return tls.Certificate{}, err
		}
		return cert, nil
	}
}

// Evict removes any cached entry for hostname, forcing the next Get to
// re-issue.
func (c *Cache) Evict(hostname string) {
	c.mu.Lock()
	delete(c.entries, hostname)
	c.mu.Unlock()
}

// Len reports the number of cached entries, including in-flight ones.
// Intended for tests and metrics, not for control flow.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
