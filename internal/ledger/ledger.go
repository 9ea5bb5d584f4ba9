// Copyright 2025 Lumenworks

// Package ledger derives sessions and quotas from the artifact store
// itself: every stored object carries its session identifier in its name,
// so prefix listings are the authoritative usage counts. There is no
// separate counter to drift.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lumenworks/card-forge/internal/artifact"
	"github.com/lumenworks/card-forge/internal/config"
	"github.com/lumenworks/card-forge/internal/obs"
	"go.uber.org/zap"
)

// Kind is one of the three artifact families, each with its own bucket
// prefix and per-session budget.
type Kind string

const (
	KindCard  Kind = "cards"
	KindVideo Kind = "videos"
	KindPrint Kind = "prints"
)

const (
	cardsPrefix   = "cards/"
	videosPrefix  = "videos/"
	printsPrefix  = "print-queue/"
	pendingPrefix = "pending-overrides/"
)

// ErrQuotaExhausted is returned when a session has consumed its budget for
// a kind.
var ErrQuotaExhausted = errors.New("quota exhausted")

// Usage is the per-kind consumption of one session.
type Usage struct {
	Cards  int `json:"cards"`
	Videos int `json:"videos"`
	Prints int `json:"prints"`
}

// Remaining is the per-kind budget left in one session, floored at zero.
type Remaining struct {
	Cards  int `json:"cards"`
	Videos int `json:"videos"`
	Prints int `json:"prints"`
}

// Stored describes a freshly written artifact.
type Stored struct {
	Key         string
	Filename    string
	Session     string
	Seq         int
	PrintNumber int
	URL         string
}

type Ledger struct {
	store  artifact.Store
	limits config.Limits
	log    *zap.Logger
}

func New(store artifact.Store, limits config.Limits, log *zap.Logger) *Ledger {
	return &Ledger{store: store, limits: limits, log: log}
}

// SessionID renders the canonical session identifier for a client and
// override generation.
func SessionID(ip string, n int) string {
	return fmt.Sprintf("%s_override%d", ip, n)
}

func pendingKey(ip string) string {
	return pendingPrefix + ip + "_pending"
}

func (l *Ledger) kindDir(k Kind) string {
	switch k {
	case KindCard:
		return cardsPrefix
	case KindVideo:
		return videosPrefix
	default:
		return printsPrefix
	}
}

func (l *Ledger) limitFor(k Kind) int {
	switch k {
	case KindCard:
		return l.limits.Cards
	case KindVideo:
		return l.limits.Videos
	default:
		return l.limits.Prints
	}
}

// CurrentOverride resolves the caller's current override generation: a
// pending marker takes precedence, otherwise the highest generation
// observed in any artifact name, floored at 1.
func (l *Ledger) CurrentOverride(ctx context.Context, ip string) (int, error) {
	if n, ok, err := l.pendingOverride(ctx, ip); err != nil {
		return 0, err
	} else if ok {
		return n, nil
	}
	return l.maxObservedOverride(ctx, ip)
}

// CurrentSession resolves the caller's current session identifier.
func (l *Ledger) CurrentSession(ctx context.Context, ip string) (string, int, error) {
	n, err := l.CurrentOverride(ctx, ip)
	if err != nil {
		return "", 0, err
	}
	return SessionID(ip, n), n, nil
}

func (l *Ledger) pendingOverride(ctx context.Context, ip string) (int, bool, error) {
	data, err := l.store.Get(ctx, pendingKey(ip))
	if errors.Is(err, artifact.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read pending override: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 1 {
		// A mangled marker must not lock the client out; fall back to the
		// observed generation.
		l.log.Warn("unparseable pending override marker, ignoring", obs.String("ip", ip))
		return 0, false, nil
	}
	return n, true, nil
}

// maxObservedOverride scans all three kind prefixes for this ip and takes
// the highest override suffix seen.
func (l *Ledger) maxObservedOverride(ctx context.Context, ip string) (int, error) {
	maxN := 0
	for _, dir := range []string{cardsPrefix, videosPrefix, printsPrefix} {
		keys, err := l.store.List(ctx, dir+ip+"_override")
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, key := range keys {
			if n, ok := parseOverride(key, dir, ip); ok && n > maxN {
				maxN = n
			}
		}
	}
	if maxN < 1 {
		maxN = 1
	}
	return maxN, nil
}

// parseOverride extracts N from "<dir><ip>_override<N>_...".
func parseOverride(key, dir, ip string) (int, bool) {
	rest := strings.TrimPrefix(key, dir+ip+"_override")
	if rest == key {
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Usage counts this session's artifacts of every kind by prefix listing.
func (l *Ledger) Usage(ctx context.Context, ip string, override int) (Usage, error) {
	session := SessionID(ip, override)
	var u Usage
	for _, item := range []struct {
		dir string
		out *int
	}{
		{cardsPrefix, &u.Cards},
		{videosPrefix, &u.Videos},
		{printsPrefix, &u.Prints},
	} {
		keys, err := l.store.List(ctx, item.dir+session+"_")
		if err != nil {
			return Usage{}, fmt.Errorf("count %s: %w", item.dir, err)
		}
		*item.out = len(keys)
	}
	return u, nil
}

// Remaining computes the current session's leftover budget per kind.
func (l *Ledger) Remaining(ctx context.Context, ip string) (Remaining, string, error) {
	session, n, err := l.CurrentSession(ctx, ip)
	if err != nil {
		return Remaining{}, "", err
	}
	u, err := l.Usage(ctx, ip, n)
	if err != nil {
		return Remaining{}, "", err
	}
	return Remaining{
		Cards:  clampZero(l.limits.Cards - u.Cards),
		Videos: clampZero(l.limits.Videos - u.Videos),
		Prints: clampZero(l.limits.Prints - u.Prints),
	}, session, nil
}

// FullRemaining is the budget of an untouched session.
func (l *Ledger) FullRemaining() Remaining {
	return Remaining{Cards: l.limits.Cards, Videos: l.limits.Videos, Prints: l.limits.Prints}
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// CheckQuota verifies the caller's current session still has budget for
// one more artifact of the kind. Returns the session identifier either way
// so callers can report it.
func (l *Ledger) CheckQuota(ctx context.Context, ip string, kind Kind) (string, error) {
	session, n, err := l.CurrentSession(ctx, ip)
	if err != nil {
		return "", err
	}
	u, err := l.Usage(ctx, ip, n)
	if err != nil {
		return session, err
	}
	used := 0
	switch kind {
	case KindCard:
		used = u.Cards
	case KindVideo:
		used = u.Videos
	case KindPrint:
		used = u.Prints
	}
	if used >= l.limitFor(kind) {
		return session, fmt.Errorf("%s: %w", kind, ErrQuotaExhausted)
	}
	return session, nil
}

// nameStamp disambiguates artifact names: second-resolution UTC timestamp
// plus a short random suffix for writers that collide within one second.
func nameStamp() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return time.Now().UTC().Format("20060102_150405") + "_" + hex.EncodeToString(b[:])
}

// StoreCard writes a card PNG under the caller's current session and
// consumes any pending-override marker.
func (l *Ledger) StoreCard(ctx context.Context, ip string, data []byte, metadata map[string]string) (*Stored, error) {
	return l.storeSequenced(ctx, ip, KindCard, data, "image/png", metadata)
}

// StoreVideo writes an MP4 under the caller's current session and consumes
// any pending-override marker.
func (l *Ledger) StoreVideo(ctx context.Context, ip string, data []byte, metadata map[string]string) (*Stored, error) {
	return l.storeSequenced(ctx, ip, KindVideo, data, "video/mp4", metadata)
}

func (l *Ledger) storeSequenced(ctx context.Context, ip string, kind Kind, data []byte, contentType string, metadata map[string]string) (*Stored, error) {
	session, n, err := l.CurrentSession(ctx, ip)
	if err != nil {
		return nil, err
	}
	u, err := l.Usage(ctx, ip, n)
	if err != nil {
		return nil, err
	}

	var seq int
	var filename string
	switch kind {
	case KindCard:
		seq = u.Cards + 1
		filename = fmt.Sprintf("%s_card_%d_%s.png", session, seq, nameStamp())
	case KindVideo:
		seq = u.Videos + 1
		filename = fmt.Sprintf("%s_video_%d_%s.mp4", session, seq, nameStamp())
	default:
		return nil, fmt.Errorf("kind %s requires a card number, use StorePrint", kind)
	}
	key := l.kindDir(kind) + filename

	if err := l.store.Put(ctx, key, data, contentType, l.withCorrelation(metadata, session, string(kind))); err != nil {
		return nil, fmt.Errorf("store %s: %w", kind, err)
	}
	l.consumePending(ctx, ip)
	obs.ArtifactsStored.WithLabelValues(string(kind)).Inc()
	l.log.Info("artifact stored",
		obs.String("kind", string(kind)),
		obs.String("key", key),
		obs.String("session", session))

	return &Stored{Key: key, Filename: filename, Session: session, Seq: seq, URL: l.store.URL(key)}, nil
}

// StorePrint writes a print PNG. Print names carry two sequence numbers:
// the card being printed and this session's print-queue position.
func (l *Ledger) StorePrint(ctx context.Context, ip string, cardNumber int, data []byte, metadata map[string]string) (*Stored, error) {
	session, n, err := l.CurrentSession(ctx, ip)
	if err != nil {
		return nil, err
	}
	u, err := l.Usage(ctx, ip, n)
	if err != nil {
		return nil, err
	}

	printNumber := u.Prints + 1
	filename := fmt.Sprintf("%s_card_%d_print_%d_%s.png", session, cardNumber, printNumber, nameStamp())
	key := printsPrefix + filename

	md := l.withCorrelation(metadata, session, "print")
	md["card_number"] = strconv.Itoa(cardNumber)
	md["print_number"] = strconv.Itoa(printNumber)

	if err := l.store.Put(ctx, key, data, "image/png", md); err != nil {
		return nil, fmt.Errorf("store print: %w", err)
	}
	l.consumePending(ctx, ip)
	obs.ArtifactsStored.WithLabelValues(string(KindPrint)).Inc()
	l.log.Info("print queued",
		obs.String("key", key),
		obs.String("session", session),
		obs.Int("card_number", cardNumber),
		obs.Int("print_number", printNumber))

	return &Stored{Key: key, Filename: filename, Session: session, Seq: cardNumber, PrintNumber: printNumber, URL: l.store.URL(key)}, nil
}

func (l *Ledger) withCorrelation(metadata map[string]string, session, fileType string) map[string]string {
	md := map[string]string{
		"session_id": session,
		"file_type":  fileType,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		if k == "prompt" && len(v) > 100 {
			v = v[:100]
		}
		md[k] = v
	}
	return md
}

// consumePending deletes the pending-override marker; the session it
// announced is now realized in an artifact name.
func (l *Ledger) consumePending(ctx context.Context, ip string) {
	if err := l.store.Delete(ctx, pendingKey(ip)); err != nil && !errors.Is(err, artifact.ErrNotFound) {
		l.log.Warn("clear pending override failed", obs.Err(err), obs.String("ip", ip))
	}
}

// ApplyOverride advances the caller to the next session by writing the
// pending marker. The base is the highest generation realized in artifact
// names; repeated applications before any artifact is written keep
// announcing the same next generation instead of stacking.
func (l *Ledger) ApplyOverride(ctx context.Context, ip string) (int, string, error) {
	base, err := l.maxObservedOverride(ctx, ip)
	if err != nil {
		return 0, "", err
	}
	next := base + 1
	body := []byte(strconv.Itoa(next))
	md := map[string]string{
		"client_ip":       ip,
		"override_number": strconv.Itoa(next),
		"created_by":      "staff_override",
	}
	if err := l.store.Put(ctx, pendingKey(ip), body, "text/plain", md); err != nil {
		return 0, "", fmt.Errorf("write pending override: %w", err)
	}
	obs.OverridesApplied.Inc()
	l.log.Info("override applied",
		obs.String("ip", ip),
		obs.Int("override_number", next))
	return next, SessionID(ip, next), nil
}

// HasPendingOverride reports whether an unconsumed marker exists.
func (l *Ledger) HasPendingOverride(ctx context.Context, ip string) (bool, error) {
	return l.store.Exists(ctx, pendingKey(ip))
}
