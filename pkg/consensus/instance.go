package consensus

import (
	"slices"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/journal"
	"github.com/hxrts/aura/pkg/types"
)

// Phase is the instance state.
type Phase uint8

const (
	PhaseNonceCommit Phase = iota + 1
	PhaseSign
	PhaseExecute
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNonceCommit:
		return "nonce_commit"
	case PhaseSign:
		return "sign"
	case PhaseExecute:
		return "execute"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker collects at most one nonce commitment and one share per
// participant.
type Tracker struct {
	nonces map[types.AuthorityID]frost.SigningCommitment
	order  []types.AuthorityID
	shares map[types.AuthorityID]frost.SignatureShare
}

func newTracker() *Tracker {
	return &Tracker{
		nonces: make(map[types.AuthorityID]frost.SigningCommitment),
		shares: make(map[types.AuthorityID]frost.SignatureShare),
	}
}

// AddNonce records a commitment. Duplicates are ignored and reported as
// false.
func (t *Tracker) AddNonce(signer types.AuthorityID, c frost.SigningCommitment) bool {
	if _, dup := t.nonces[signer]; dup {
		return false
	}
	t.nonces[signer] = c
	t.order = append(t.order, signer)
	return true
}

// AddShare records a share. It is refused without a prior nonce from the
// same signer, or when the signer already contributed one.
func (t *Tracker) AddShare(signer types.AuthorityID, s frost.SignatureShare) bool {
	if _, ok := t.nonces[signer]; !ok {
		return false
	}
	if _, dup := t.shares[signer]; dup {
		return false
	}
	t.shares[signer] = s
	return true
}

// renew replaces signer's commitment with a fresh one for a later
// signing set.
func (t *Tracker) renew(signer types.AuthorityID, c frost.SigningCommitment) {
	if _, ok := t.nonces[signer]; ok {
		t.nonces[signer] = c
	}
}

func (t *Tracker) resetShares() {
	clear(t.shares)
}

// Nonce returns signer's commitment.
func (t *Tracker) Nonce(signer types.AuthorityID) (frost.SigningCommitment, bool) {
	c, ok := t.nonces[signer]
	return c, ok
}

// Nonces is the number of commitments collected.
func (t *Tracker) Nonces() int { return len(t.nonces) }

// Shares is the number of shares collected.
func (t *Tracker) Shares() int { return len(t.shares) }

// first returns the first n committers in arrival order.
func (t *Tracker) first(n int) []types.AuthorityID {
	return slices.Clone(t.order[:min(n, len(t.order))])
}

// Instance is the coordinator-side state of one consensus run. It is owned
// by a single goroutine.
type Instance struct {
	ID             types.Hash32
	PrestateHash   types.Hash32
	OperationHash  types.Hash32
	OperationBytes []byte

	cfg         Config
	coordinator types.AuthorityID
	phase       Phase
	tracker     *Tracker
	// signers is the sorted signing set of the current attempt.
	signers []types.AuthorityID
	attempt uint32
	// spent marks witnesses whose tracked commitment was consumed without
	// a renewal; suspects are signing set members that never answered.
	spent     map[types.AuthorityID]bool
	suspects  map[types.AuthorityID]bool
	pkg       *frost.SigningPackage
	fastPath  bool
	conflicts []types.Hash32
	commit    *journal.CommitFact
	err       error
}

func newInstance(id, prestateHash types.Hash32, opBytes []byte, cfg Config, coordinator types.AuthorityID) *Instance {
	return &Instance{
		ID:             id,
		PrestateHash:   prestateHash,
		OperationHash:  types.HashBytes(opBytes),
		OperationBytes: opBytes,
		cfg:            cfg,
		coordinator:    coordinator,
		phase:          PhaseNonceCommit,
		tracker:        newTracker(),
		spent:          make(map[types.AuthorityID]bool),
		suspects:       make(map[types.AuthorityID]bool),
	}
}

// newFastInstance starts in Sign with every witness's pre-agreed
// commitment.
func newFastInstance(id, prestateHash types.Hash32, opBytes []byte, cfg Config, coordinator types.AuthorityID, commitments map[types.AuthorityID]frost.SigningCommitment) (*Instance, error) {
	in := newInstance(id, prestateHash, opBytes, cfg, coordinator)
	list := make([]frost.SigningCommitment, 0, len(cfg.Witnesses))
	for _, w := range cfg.Witnesses {
		c, ok := commitments[w]
		if !ok {
			return nil, coreerr.New(coreerr.KindInternal, "consensus.start", "missing pipelined commitment for %s", w)
		}
		in.tracker.AddNonce(w, c)
		list = append(list, c)
	}
	pkg, err := frost.NewSigningPackage(list, opBytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindCrypto, "consensus.start", err, "build signing package")
	}
	in.signers = slices.Clone(cfg.Witnesses)
	in.pkg = pkg
	in.fastPath = true
	in.attempt = 1
	in.phase = PhaseSign
	return in, nil
}

// Phase is the current state.
func (in *Instance) Phase() Phase { return in.phase }

// FastPath reports whether the instance skipped the SignRequest round.
func (in *Instance) FastPath() bool { return in.fastPath }

// Attempt counts the signing sets planned so far.
func (in *Instance) Attempt() uint32 { return in.attempt }

// Signers is the chosen signing set, or nil before Sign.
func (in *Instance) Signers() []types.AuthorityID { return slices.Clone(in.signers) }

// Conflicts lists the competing operation hashes reported so far.
func (in *Instance) Conflicts() []types.Hash32 { return slices.Clone(in.conflicts) }

// Err is the failure of a failed instance.
func (in *Instance) Err() error { return in.err }

// Commit is the commit fact of a finished instance.
func (in *Instance) Commit() *journal.CommitFact { return in.commit }

func (in *Instance) terminal() bool { return in.phase == PhaseDone || in.phase == PhaseFailed }

func dropped(format string, args ...any) error {
	return coreerr.New(coreerr.KindInvalid, "consensus.handle_message", format, args...)
}

func (in *Instance) checkSigner(signer types.AuthorityID, id frost.Identifier) error {
	want, ok := in.cfg.Identifier(signer)
	if !ok {
		return dropped("%s is not a witness", signer)
	}
	if id != want {
		return dropped("%s used identifier %d, want %d", signer, id, want)
	}
	return nil
}

// onNonce handles round-one replies. It returns the messages to send and
// whether every share needed for aggregation has arrived. A non-nil error
// means the message was dropped; the instance is unaffected.
func (in *Instance) onNonce(m *NonceCommit) ([]Outbound, bool, error) {
	if in.terminal() {
		return nil, false, dropped("instance is %s", in.phase)
	}
	if err := in.checkSigner(m.Signer, m.Commitment.Identifier); err != nil {
		return nil, false, err
	}

	if in.fastPath {
		agreed, _ := in.tracker.Nonce(m.Signer)
		if agreed != m.Commitment {
			return nil, false, dropped("%s committed to a nonce other than the pipelined one", m.Signer)
		}
		if m.Share == nil || in.attempt != 1 {
			return nil, false, nil
		}
		return nil, in.admitShare(m.Signer, *m.Share, m.Renewal), nil
	}

	if !in.tracker.AddNonce(m.Signer, m.Commitment) || in.phase != PhaseNonceCommit {
		return nil, false, nil
	}
	if in.tracker.Nonces() < int(in.cfg.Threshold) {
		return nil, false, nil
	}

	return in.plan(in.tracker.first(int(in.cfg.Threshold))), false, nil
}

// plan opens a signing attempt for chosen and returns its sign requests.
// A failure to build the package fails the instance.
func (in *Instance) plan(chosen []types.AuthorityID) []Outbound {
	signers := types.SortAuthorities(chosen)
	agg := make(map[types.AuthorityID]frost.SigningCommitment, len(signers))
	list := make([]frost.SigningCommitment, 0, len(signers))
	for _, s := range signers {
		c, _ := in.tracker.Nonce(s)
		agg[s] = c
		list = append(list, c)
	}
	pkg, err := frost.NewSigningPackage(list, in.OperationBytes)
	if err != nil {
		in.fail(coreerr.Wrap(coreerr.KindCrypto, "consensus.sign_request", err, "build signing package"))
		return nil
	}
	in.signers = signers
	in.pkg = pkg
	in.attempt++
	in.tracker.resetShares()
	in.phase = PhaseSign

	req := &SignRequest{ConsensusID: in.ID, AggregatedNonces: agg, Attempt: in.attempt}
	out := make([]Outbound, 0, len(signers))
	for _, s := range signers {
		o, err := outbound(s, req)
		if err != nil {
			in.fail(err)
			return nil
		}
		out = append(out, o)
	}
	return out
}

// replan runs when a signing attempt outlives its round. Members of the
// current set that have not answered become suspects for the rest of the
// instance, and a new set is drawn in commitment arrival order from the
// witnesses that still hold an unused commitment. It returns nil, keeping
// the current set, when fewer than threshold such witnesses remain.
func (in *Instance) replan() []Outbound {
	if in.phase != PhaseSign {
		return nil
	}
	for _, s := range in.signers {
		if _, answered := in.tracker.shares[s]; !answered {
			in.suspects[s] = true
		}
	}
	var candidates []types.AuthorityID
	for _, w := range in.tracker.order {
		if !in.suspects[w] && !in.spent[w] {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) < int(in.cfg.Threshold) {
		return nil
	}
	in.fastPath = false
	return in.plan(candidates[:in.cfg.Threshold])
}

// onShare handles round-two replies.
func (in *Instance) onShare(m *SignShare) (bool, error) {
	if in.phase != PhaseSign {
		return false, dropped("share for instance in %s", in.phase)
	}
	if err := in.checkSigner(m.Signer, m.Share.Identifier); err != nil {
		return false, err
	}
	if m.Attempt != in.attempt {
		in.renew(m.Signer, m.Renewal)
		return false, dropped("share from %s for attempt %d, current %d", m.Signer, m.Attempt, in.attempt)
	}
	if !slices.Contains(in.signers, m.Signer) {
		if _, ok := in.tracker.Nonce(m.Signer); !ok {
			return false, dropped("share from %s before its nonce commitment", m.Signer)
		}
		return false, dropped("%s is not in the signing set", m.Signer)
	}
	return in.admitShare(m.Signer, m.Share, m.Renewal), nil
}

func (in *Instance) admitShare(signer types.AuthorityID, s frost.SignatureShare, renewal *frost.SigningCommitment) bool {
	if !in.tracker.AddShare(signer, s) {
		return false
	}
	in.renew(signer, renewal)
	return in.tracker.Shares() == len(in.signers)
}

// renew records that signer consumed its tracked commitment, replacing
// it with renewal when one came back under the signer's identifier.
func (in *Instance) renew(signer types.AuthorityID, renewal *frost.SigningCommitment) {
	id, _ := in.cfg.Identifier(signer)
	if renewal == nil || renewal.Identifier != id {
		in.spent[signer] = true
		return
	}
	in.tracker.renew(signer, *renewal)
	delete(in.spent, signer)
}

// onConflict records competing operation hashes. The instance continues.
func (in *Instance) onConflict(m *Conflict) error {
	if !in.cfg.IsWitness(m.Reporter) {
		return dropped("conflict from non-witness %s", m.Reporter)
	}
	for _, h := range m.Conflicts {
		if !slices.Contains(in.conflicts, h) {
			in.conflicts = append(in.conflicts, h)
		}
	}
	return nil
}

// aggregationInputs returns the signing package and the shares in
// identifier order.
func (in *Instance) aggregationInputs() (*frost.SigningPackage, []frost.SignatureShare) {
	shares := make([]frost.SignatureShare, 0, len(in.signers))
	for _, s := range in.signers {
		shares = append(shares, in.tracker.shares[s])
	}
	in.phase = PhaseExecute
	return in.pkg, shares
}

// finish builds and checks the commit fact. On success the instance is
// Done; otherwise it fails with the verification error.
func (in *Instance) finish(sig [frost.SignatureSize]byte, now types.TimeStamp) (*journal.CommitFact, error) {
	coord := in.coordinator
	commit := &journal.CommitFact{
		ConsensusID:    in.ID,
		PrestateHash:   in.PrestateHash,
		OperationHash:  in.OperationHash,
		OperationBytes: slices.Clone(in.OperationBytes),
		ThresholdSignature: journal.ThresholdSignature{
			Signature: sig,
			Signers:   slices.Clone(in.signers),
		},
		GroupPublicKey: in.cfg.GroupKey(),
		Participants:   slices.Clone(in.cfg.Witnesses),
		Threshold:      in.cfg.Threshold,
		FastPath:       in.fastPath,
		Timestamp:      types.ProvenancedTime{Stamp: now, Origin: &coord},
	}
	if err := commit.Verify(in.cfg.Witnesses); err != nil {
		in.fail(coreerr.Wrap(coreerr.KindInternal, "consensus.finish", err, "aggregated commit does not verify"))
		return nil, in.err
	}
	in.commit = commit
	in.phase = PhaseDone
	return commit, nil
}

func (in *Instance) fail(err error) {
	if in.terminal() {
		return
	}
	in.err = err
	in.phase = PhaseFailed
}
