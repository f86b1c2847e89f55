package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options configures a Service.
type Options struct {
	// Path is the key of the document in the store.
	Path string
	// MaxPoints bounds the series length; 0 disables trimming.
	MaxPoints int
	// Quarantine copies a corrupted payload to a side key before it is
	// overwritten.
	Quarantine bool
}

// Result describes a completed push.
type Result struct {
	Measurement     Measurement
	Status          DecodeStatus
	PreviousVersion string
	Version         string
	Points          int
	QuarantineKey   string
}

// Service runs one fetch, merge and publish cycle against an ObjectStore.
type Service struct {
	store ObjectStore
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a new Service.
func NewService(store ObjectStore, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store: store,
		opts:  opts,
		log:   logger,
		now:   time.Now,
	}
}

// CommitMessage is the change message recorded for a push at ts.
func CommitMessage(ts string) string {
	return fmt.Sprintf("telemetry: +1 (%s)", ts)
}

// QuarantineKey is the side key a corrupted payload at key is copied to.
func QuarantineKey(key string, at time.Time) string {
	return key + ".corrupt-" + at.UTC().Format("20060102T150405Z")
}

// Push appends r to the stored series. The write is conditioned on the
// version observed by the read; a concurrent writer makes it fail with
// ErrConflict. Errors wrap ErrFetch or ErrPublish.
func (s *Service) Push(ctx context.Context, r Reading) (Result, error) {
	var res Result
	log := s.log.With(zap.String("path", s.opts.Path))

	blob, err := s.store.Get(ctx, s.opts.Path)
	var decoded Decoded
	switch {
	case errors.Is(err, ErrNotFound):
		log.Info("no stored document, starting a new series")
		decoded = Absent()
	case err != nil:
		return res, fmt.Errorf("%w: %w", ErrFetch, err)
	default:
		decoded = Decode(blob.Content)
		res.PreviousVersion = blob.Version
	}
	res.Status = decoded.Status

	now := s.now().UTC()

	switch decoded.Status {
	case StatusCorrupted:
		log.Warn("stored document is corrupted, starting a new series",
			zap.Error(decoded.Err),
			zap.Int("bytes", len(decoded.Raw)),
			zap.String("version", blob.Version))
		if s.opts.Quarantine {
			key := QuarantineKey(s.opts.Path, now)
			msg := fmt.Sprintf("telemetry: quarantine corrupted %s", s.opts.Path)
			if _, err := s.store.Put(ctx, key, decoded.Raw, "", msg); err != nil {
				return res, fmt.Errorf("%w: quarantine to %s: %w", ErrPublish, key, err)
			}
			log.Info("corrupted payload quarantined", zap.String("quarantine", key))
			res.QuarantineKey = key
		}
	case StatusEmpty:
		log.Info("stored document is empty, starting a new series")
	}

	m := NewMeasurement(r, now)
	doc := Merge(decoded, m, s.opts.MaxPoints)
	res.Measurement = m
	res.Points = doc.Len()

	payload, err := doc.Encode()
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	log.Debug("publishing document",
		zap.Int("points", res.Points),
		zap.Int("bytes", len(payload)),
		zap.String("expected_version", blob.Version))

	version, err := s.store.Put(ctx, s.opts.Path, payload, blob.Version, CommitMessage(m.Timestamp))
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	res.Version = version

	log.Info("measurement published",
		zap.String("ts", m.Timestamp),
		zap.Int("points", res.Points),
		zap.String("version", version))
	return res, nil
}
