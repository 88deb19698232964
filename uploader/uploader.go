// Package uploader implements the uploader pool described in section
// 4.5 of the design specification: a bounded set of concurrent workers
// draining the spool under an exponential-backoff policy.
//
// Grounded on writer.DynamoDBWriter's backoffWait (base delay,
// doubling, 30s cap, jitter via math/rand/v2, context cancellation)
// and its throttling-classification pattern, generalized from
// DynamoDB-specific throttling to the HTTP outcome classification
// objectstore.Client produces.
package uploader

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brask-io/sessionlog/metrics"
	"github.com/brask-io/sessionlog/objectstore"
	"github.com/brask-io/sessionlog/spool"
)

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// computeBackoff implements the formula from spec.md section 4.5:
// min(30s, 0.5s * 2^attempts) * jitter(0.5..1.5), with the jittered
// result clamped to 30s as well.
func computeBackoff(attempts int) time.Duration {
	delay := backoffBase
	for i := 0; i < attempts && delay < backoffCap; i++ {
		delay *= 2
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := 0.5 + rand.Float64()
	scaled := time.Duration(float64(delay) * jitter)
	if scaled > backoffCap {
		scaled = backoffCap
	}
	return scaled
}

// Pool drains a spool with N concurrent workers, per spec.md section 5.
type Pool struct {
	Spool            *spool.Spool
	Client           objectstore.Client
	BaseURL          string
	Bucket           string
	AuthKey          string
	Concurrency      int
	PollIdle         time.Duration // how long a worker sleeps when the spool is empty
	CredentialPacing time.Duration // global backoff pace after a credential error, default 30s
	Logger           zerolog.Logger
	Metrics          *metrics.Metrics // optional; nil disables recording

	credMu          sync.Mutex
	credentialUntil time.Time
}

// New creates a Pool with spec.md's defaults: concurrency 2, 30s
// credential-error pacing.
func New(sp *spool.Spool, client objectstore.Client, baseURL, bucket, authKey string, concurrency int, logger zerolog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Pool{
		Spool:            sp,
		Client:           client,
		BaseURL:          baseURL,
		Bucket:           bucket,
		AuthKey:          authKey,
		Concurrency:      concurrency,
		PollIdle:         200 * time.Millisecond,
		CredentialPacing: 30 * time.Second,
		Logger:           logger,
	}
}

// Run starts Concurrency workers draining the spool until ctx is
// cancelled, then returns once all workers have exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	idle := p.PollIdle
	if idle <= 0 {
		idle = 200 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if paced, wait := p.pacedUntil(); paced {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		lease, ok, err := p.Spool.Claim(time.Now())
		if err != nil {
			p.Logger.Error().Err(err).Int("worker", id).Msg("spool claim failed")
		}
		if !ok {
			select {
			case <-time.After(idle):
			case <-ctx.Done():
				return
			}
			continue
		}

		p.process(ctx, id, lease)
	}
}

// pacedUntil reports whether the pool is globally backing off after a
// credential error, per spec.md section 4.5.
func (p *Pool) pacedUntil() (bool, time.Duration) {
	p.credMu.Lock()
	defer p.credMu.Unlock()
	if p.credentialUntil.IsZero() {
		return false, 0
	}
	remaining := time.Until(p.credentialUntil)
	if remaining <= 0 {
		p.credentialUntil = time.Time{}
		return false, 0
	}
	return true, remaining
}

func (p *Pool) pace() {
	pacing := p.CredentialPacing
	if pacing <= 0 {
		pacing = 30 * time.Second
	}
	p.credMu.Lock()
	p.credentialUntil = time.Now().Add(pacing)
	p.credMu.Unlock()
}

func (p *Pool) process(ctx context.Context, workerID int, lease spool.Lease) {
	payload, err := spool.ReadPayload(lease.Item)
	if err != nil {
		p.Logger.Error().Err(err).Str("item", lease.Item.Name).Msg("reading spool payload")
		_ = p.Spool.Fail(lease, err, computeBackoff(lease.Item.Descriptor.Attempts))
		return
	}

	result := p.Client.Put(ctx, objectstore.Request{
		BaseURL:         p.BaseURL,
		Bucket:          p.Bucket,
		ObjectPath:      lease.Item.Descriptor.DestinationPath,
		Body:            payload,
		ContentType:     lease.Item.Descriptor.ContentType,
		ContentEncoding: lease.Item.Descriptor.ContentEncoding,
		AuthBearer:      p.AuthKey,
	})

	switch result.Outcome {
	case objectstore.OutcomeOK:
		if err := p.Spool.Complete(lease); err != nil {
			p.Logger.Error().Err(err).Str("item", lease.Item.Name).Msg("completing spool item")
		}
		if p.Metrics != nil {
			p.Metrics.RecordUploadSucceeded(int64(len(payload)))
		}

	case objectstore.OutcomeCredential:
		// Per spec.md: attempts are not incremented, item stays in the
		// spool, pool backs off globally.
		pacing := p.CredentialPacing
		if pacing <= 0 {
			pacing = 30 * time.Second
		}
		p.pace()
		if err := p.Spool.ReleasePaced(lease, result.Err, pacing); err != nil {
			p.Logger.Error().Err(err).Msg("releasing credential-failed item")
		}
		p.Logger.Warn().Str("item", lease.Item.Name).Int("status", result.StatusCode).Msg("credential error, pacing globally")

	case objectstore.OutcomeTransient:
		backoff := computeBackoff(lease.Item.Descriptor.Attempts)
		if err := p.Spool.Fail(lease, result.Err, backoff); err != nil {
			p.Logger.Error().Err(err).Str("item", lease.Item.Name).Msg("recording transient failure")
		}
		if p.Metrics != nil {
			p.Metrics.RecordUploadFailed()
		}
		p.Logger.Warn().Str("item", lease.Item.Name).Int("status", result.StatusCode).Dur("backoff", backoff).Msg("transient upload error")

	case objectstore.OutcomePermanent:
		if err := p.Spool.Poison(lease, result.Err); err != nil {
			p.Logger.Error().Err(err).Str("item", lease.Item.Name).Msg("poisoning item")
		}
		if p.Metrics != nil {
			p.Metrics.RecordUploadPoisoned()
		}
		p.Logger.Warn().Str("item", lease.Item.Name).Int("status", result.StatusCode).Msg("permanent upload error, moved to poison")
	}
}
