package directory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Fetcher downloads directory documents. The transport (a directory stream
// over a one-hop circuit, or plain HTTP to a cache) is a collaborator; the
// state machine only cares about the bodies.
type Fetcher interface {
	// FetchConsensus requests the current consensus. A non-empty oldDigest
	// advertises a cached consensus the server may send a diff against;
	// lastDate is the backdated "newest consensus I have" time.
	FetchConsensus(ctx context.Context, oldDigest string, lastDate time.Time) ([]byte, error)
	// FetchCerts requests authority certificates by identity fingerprint
	FetchCerts(ctx context.Context, fingerprints []string) ([][]byte, error)
	// FetchMicrodescs requests microdescriptors by content digest
	FetchMicrodescs(ctx context.Context, digests []string) ([][]byte, error)
}

// DownloadState is one step of the bootstrap state machine. States advance
// in a fixed order once their required documents are present, and go stale
// at ResetTime regardless of progress.
type DownloadState interface {
	Name() string
	// MissingDocs lists the documents this state still needs
	MissingDocs() []DocID
	// AddFromCache loads whatever the cache can contribute
	AddFromCache(store *Store) error
	// AddFromDownload fetches the still-missing documents
	AddFromDownload(ctx context.Context, f Fetcher, store *Store) error
	// CanAdvance reports whether the state's requirements are met
	CanAdvance() bool
	// Advance returns the next state; ok is false from the final state
	Advance() (DownloadState, bool, error)
	// Reset drops partial progress
	Reset() error
	// ResetTime is the wall time at which this state must be restarted
	ResetTime() time.Time
}

// Options carries the directory policy knobs into the states
type Options struct {
	Authorities []Authority
	// ConsensusAllowSkew bounds how far back a consensus request is dated
	ConsensusAllowSkew time.Duration
	// CertExpiryTolerance is how stale an authority certificate may be
	CertExpiryTolerance time.Duration
	// MicrodescCoverage is the referenced-microdescriptor fraction needed
	// to publish a usable directory
	MicrodescCoverage float64
}

// DefaultOptions returns the standard policy
func DefaultOptions(authorities []Authority) *Options {
	return &Options{
		Authorities:         authorities,
		ConsensusAllowSkew:  48 * time.Hour,
		CertExpiryTolerance: 48 * time.Hour,
		MicrodescCoverage:   0.75,
	}
}

// signatureThreshold is the quorum of authority signatures a consensus needs
func (o *Options) signatureThreshold() int {
	return len(o.Authorities)/2 + 1
}

// roundUpHour rounds a time up to the next whole hour, so the request does
// not fingerprint the local clock.
func roundUpHour(t time.Time) time.Time {
	rounded := t.Truncate(time.Hour)
	if rounded.Before(t) {
		rounded = rounded.Add(time.Hour)
	}
	return rounded
}

// --- GetConsensusState ---

// GetConsensusState fetches the current consensus, by diff when possible
type GetConsensusState struct {
	opts      *Options
	now       func() time.Time
	cached    *Consensus // best consensus from the cache, if any
	consensus *Consensus // the state's output
}

// NewGetConsensusState starts the download pipeline
func NewGetConsensusState(opts *Options, now func() time.Time) *GetConsensusState {
	if now == nil {
		now = time.Now
	}
	return &GetConsensusState{opts: opts, now: now}
}

// Name identifies the state
func (s *GetConsensusState) Name() string { return "GetConsensus" }

// MissingDocs lists the consensus when we do not have a live one
func (s *GetConsensusState) MissingDocs() []DocID {
	if s.consensus != nil {
		return nil
	}
	return []DocID{{Type: DocTypeConsensus}}
}

// AddFromCache adopts a cached consensus when it is still in its validity
// window, and remembers the newest one either way for diff requests.
func (s *GetConsensusState) AddFromCache(store *Store) error {
	c, err := store.LatestConsensus()
	if err != nil || c == nil {
		return err
	}
	s.cached = c
	now := s.now()
	if !now.Before(c.ValidAfter) && now.Before(c.ValidUntil) {
		s.consensus = c
	}
	return nil
}

// AddFromDownload requests a fresh consensus. When we advertise a cached
// digest the reply may be a diff; apply and verify it, then treat the
// result as if it had been the direct download.
func (s *GetConsensusState) AddFromDownload(ctx context.Context, f Fetcher, store *Store) error {
	var oldDigest string
	lastDate := roundUpHour(s.now().Add(-s.opts.ConsensusAllowSkew))
	if s.cached != nil {
		oldDigest = s.cached.Digest
		if s.cached.ValidAfter.After(lastDate) {
			lastDate = roundUpHour(s.cached.ValidAfter)
		}
	}

	body, err := f.FetchConsensus(ctx, oldDigest, lastDate)
	if err != nil {
		return fmt.Errorf("consensus download failed: %w", err)
	}

	if IsDiff(body) {
		if s.cached == nil {
			return fmt.Errorf("received a diff without a cached consensus")
		}
		body, err = ApplyDiff(s.cached.Raw(), body)
		if err != nil {
			return fmt.Errorf("consensus diff failed: %w", err)
		}
	}

	c, err := ParseConsensus(body)
	if err != nil {
		return fmt.Errorf("consensus parse failed: %w", err)
	}
	if store.Writable() {
		if _, err := store.Save(DocTypeConsensus, body); err != nil {
			return err
		}
	}
	s.consensus = c
	return nil
}

// CanAdvance requires a consensus
func (s *GetConsensusState) CanAdvance() bool {
	return s.consensus != nil
}

// Advance moves to certificate fetching
func (s *GetConsensusState) Advance() (DownloadState, bool, error) {
	if s.consensus == nil {
		return nil, false, fmt.Errorf("cannot advance without a consensus")
	}
	return newGetCertsState(s.opts, s.now, s.consensus), true, nil
}

// Reset drops the downloaded consensus
func (s *GetConsensusState) Reset() error {
	s.consensus = nil
	return nil
}

// ResetTime is when even a successful download must be redone
func (s *GetConsensusState) ResetTime() time.Time {
	if s.consensus != nil {
		return s.consensus.ValidUntil
	}
	return s.now().Add(time.Hour)
}

// --- GetCertsState ---

// GetCertsState fetches the authority certificates needed to account for a
// quorum of the consensus signatures.
type GetCertsState struct {
	opts      *Options
	now       func() time.Time
	consensus *Consensus
	certs     map[string]*AuthCert // by fingerprint
}

func newGetCertsState(opts *Options, now func() time.Time, c *Consensus) *GetCertsState {
	return &GetCertsState{
		opts:      opts,
		now:       now,
		consensus: c,
		certs:     make(map[string]*AuthCert),
	}
}

// Name identifies the state
func (s *GetCertsState) Name() string { return "GetCerts" }

// trustedSigners lists the consensus signers that are known authorities
func (s *GetCertsState) trustedSigners() []string {
	trusted := make(map[string]bool, len(s.opts.Authorities))
	for _, a := range s.opts.Authorities {
		trusted[strings.ToUpper(a.Fingerprint)] = true
	}
	var out []string
	for _, fp := range s.consensus.SignedBy {
		if trusted[strings.ToUpper(fp)] {
			out = append(out, strings.ToUpper(fp))
		}
	}
	return out
}

// MissingDocs lists signer fingerprints we have no usable certificate for
func (s *GetCertsState) MissingDocs() []DocID {
	var out []DocID
	for _, fp := range s.trustedSigners() {
		if _, ok := s.certs[fp]; !ok {
			out = append(out, DocID{Type: DocTypeAuthCert, Digest: fp})
		}
	}
	return out
}

// AddFromCache scans cached authority certificates. Certificates expired
// beyond the tolerance are discarded.
func (s *GetCertsState) AddFromCache(store *Store) error {
	entries, err := listDocs(store, DocTypeAuthCert)
	if err != nil {
		return nil // a cold cache is not an error
	}
	now := s.now()
	for _, body := range entries {
		cert, err := ParseAuthCert(body)
		if err != nil {
			continue
		}
		if cert.Expired(now, s.opts.CertExpiryTolerance) {
			continue
		}
		s.certs[cert.Fingerprint] = cert
	}
	return nil
}

// AddFromDownload fetches the missing certificates
func (s *GetCertsState) AddFromDownload(ctx context.Context, f Fetcher, store *Store) error {
	missing := s.MissingDocs()
	if len(missing) == 0 {
		return nil
	}
	fps := make([]string, len(missing))
	for i, d := range missing {
		fps[i] = d.Digest
	}
	bodies, err := f.FetchCerts(ctx, fps)
	if err != nil {
		return fmt.Errorf("certificate download failed: %w", err)
	}
	now := s.now()
	for _, body := range bodies {
		cert, err := ParseAuthCert(body)
		if err != nil {
			continue
		}
		if cert.Expired(now, s.opts.CertExpiryTolerance) {
			continue
		}
		if store.Writable() {
			if _, err := store.Save(DocTypeAuthCert, body); err != nil {
				return err
			}
		}
		s.certs[cert.Fingerprint] = cert
	}
	return nil
}

// CanAdvance requires certificates for a quorum of authority signatures
func (s *GetCertsState) CanAdvance() bool {
	have := 0
	for _, fp := range s.trustedSigners() {
		if _, ok := s.certs[fp]; ok {
			have++
		}
	}
	return have >= s.opts.signatureThreshold()
}

// Advance moves to microdescriptor fetching
func (s *GetCertsState) Advance() (DownloadState, bool, error) {
	if !s.CanAdvance() {
		return nil, false, fmt.Errorf("insufficient authority certificates: quorum is %d", s.opts.signatureThreshold())
	}
	return newGetMicrodescsState(s.opts, s.now, s.consensus), true, nil
}

// Reset drops the collected certificates
func (s *GetCertsState) Reset() error {
	s.certs = make(map[string]*AuthCert)
	return nil
}

// ResetTime matches the consensus lifetime
func (s *GetCertsState) ResetTime() time.Time {
	return s.consensus.ValidUntil
}

// --- GetMicrodescsState ---

// GetMicrodescsState fetches the microdescriptors the consensus references
type GetMicrodescsState struct {
	opts      *Options
	now       func() time.Time
	consensus *Consensus
	mds       map[string]*Microdesc
}

func newGetMicrodescsState(opts *Options, now func() time.Time, c *Consensus) *GetMicrodescsState {
	return &GetMicrodescsState{
		opts:      opts,
		now:       now,
		consensus: c,
		mds:       make(map[string]*Microdesc),
	}
}

// Name identifies the state
func (s *GetMicrodescsState) Name() string { return "GetMicrodescs" }

// referenced returns every microdescriptor digest the consensus names
func (s *GetMicrodescsState) referenced() []string {
	var out []string
	for _, r := range s.consensus.Relays {
		if r.MicrodescDigest != "" {
			out = append(out, r.MicrodescDigest)
		}
	}
	return out
}

// MissingDocs lists referenced digests we do not hold
func (s *GetMicrodescsState) MissingDocs() []DocID {
	var out []DocID
	for _, d := range s.referenced() {
		if _, ok := s.mds[d]; !ok {
			out = append(out, DocID{Type: DocTypeMicrodesc, Digest: d})
		}
	}
	return out
}

// AddFromCache loads cached microdescriptors that the consensus references
func (s *GetMicrodescsState) AddFromCache(store *Store) error {
	for _, d := range s.referenced() {
		id := DocID{Type: DocTypeMicrodesc, Digest: d}
		if !store.Contains(id) {
			continue
		}
		body, err := store.Load(id)
		if err != nil {
			continue
		}
		md, err := ParseMicrodesc(body)
		if err != nil {
			continue
		}
		s.mds[d] = md
	}
	return nil
}

// AddFromDownload fetches the missing microdescriptors. Bodies are
// content-addressed: anything whose digest we did not ask for is dropped.
func (s *GetMicrodescsState) AddFromDownload(ctx context.Context, f Fetcher, store *Store) error {
	missing := s.MissingDocs()
	if len(missing) == 0 {
		return nil
	}
	want := make(map[string]bool, len(missing))
	digests := make([]string, len(missing))
	for i, d := range missing {
		digests[i] = d.Digest
		want[d.Digest] = true
	}
	bodies, err := f.FetchMicrodescs(ctx, digests)
	if err != nil {
		return fmt.Errorf("microdescriptor download failed: %w", err)
	}
	for _, body := range bodies {
		md, err := ParseMicrodesc(body)
		if err != nil {
			continue
		}
		if !want[md.Digest] {
			continue
		}
		if store.Writable() {
			if _, err := store.Save(DocTypeMicrodesc, body); err != nil {
				return err
			}
		}
		s.mds[md.Digest] = md
	}
	return nil
}

// CanAdvance requires coverage of enough referenced microdescriptors
func (s *GetMicrodescsState) CanAdvance() bool {
	refs := s.referenced()
	if len(refs) == 0 {
		return true
	}
	return float64(len(s.mds)) >= s.opts.MicrodescCoverage*float64(len(refs))
}

// Advance is terminal: it yields no next state
func (s *GetMicrodescsState) Advance() (DownloadState, bool, error) {
	if !s.CanAdvance() {
		return nil, false, fmt.Errorf("insufficient microdescriptor coverage: %d of %d", len(s.mds), len(s.referenced()))
	}
	return nil, false, nil
}

// Reset drops the collected microdescriptors
func (s *GetMicrodescsState) Reset() error {
	s.mds = make(map[string]*Microdesc)
	return nil
}

// ResetTime matches the consensus lifetime
func (s *GetMicrodescsState) ResetTime() time.Time {
	return s.consensus.ValidUntil
}

// NetDir builds the published directory from the state's documents
func (s *GetMicrodescsState) NetDir() *NetDir {
	return &NetDir{
		Consensus:  s.consensus,
		Microdescs: s.mds,
	}
}

// listDocs reads every cached document body of one type
func listDocs(store *Store, t DocType) ([][]byte, error) {
	var out [][]byte
	entries, err := listDir(store, t)
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		body, err := store.Load(DocID{Type: t, Digest: name})
		if err != nil {
			continue
		}
		out = append(out, body)
	}
	return out, nil
}
