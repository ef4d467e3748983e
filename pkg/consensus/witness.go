package consensus

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hxrts/aura/pkg/coreerr"
	"github.com/hxrts/aura/pkg/crypto/frost"
	"github.com/hxrts/aura/pkg/effects"
	"github.com/hxrts/aura/pkg/prestate"
	"github.com/hxrts/aura/pkg/types"
)

// witnessSessions bounds the proposals a witness remembers between rounds.
const witnessSessions = 1024

type session struct {
	exec   *Execute
	nonces *frost.SigningNonces
}

// Witness is one signer. It answers proposals with nonce commitments and
// sign requests with shares, keeps one pipelined nonce per epoch, and
// reports conflicting operations on a prestate it has already seen. Each
// share carries a fresh commitment in case the coordinator re-plans.
type Witness struct {
	self   types.AuthorityID
	key    *frost.KeyPackage
	random effects.RandomEffects
	logger *slog.Logger

	mu        sync.Mutex
	sessions  *lru.Cache // consensus id -> *session
	prestates *lru.Cache // prestate hash -> first operation hash
	pipelined map[types.Epoch]*frost.SigningNonces
}

// NewWitness creates a witness holding key.
func NewWitness(self types.AuthorityID, key *frost.KeyPackage, random effects.RandomEffects) (*Witness, error) {
	if err := key.Validate(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindCrypto, "consensus.new_witness", err, "invalid key package")
	}
	sessions, err := lru.New(witnessSessions)
	if err != nil {
		return nil, err
	}
	prestates, err := lru.New(witnessSessions)
	if err != nil {
		return nil, err
	}
	return &Witness{
		self:      self,
		key:       key,
		random:    random,
		logger:    slog.Default().With("component", "consensus.witness", "authority", self.String()),
		sessions:  sessions,
		prestates: prestates,
		pipelined: make(map[types.Epoch]*frost.SigningNonces),
	}, nil
}

// Self is the witness authority.
func (w *Witness) Self() types.AuthorityID { return w.self }

// Identifier is the witness's FROST identifier.
func (w *Witness) Identifier() frost.Identifier { return w.key.Identifier }

// Pipeline generates and keeps a nonce for the next instance in epoch and
// returns its commitment. It replaces any nonce already held for epoch.
func (w *Witness) Pipeline(ctx context.Context, epoch types.Epoch) (frost.SigningCommitment, error) {
	nonces, err := frost.Commit(effects.Reader(ctx, w.random), w.key)
	if err != nil {
		return frost.SigningCommitment{}, coreerr.Wrap(coreerr.KindCrypto, "consensus.pipeline", err, "generate nonce")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pipelined[epoch] = nonces
	for e := range w.pipelined {
		if e+DefaultRetainedEpochs <= epoch {
			delete(w.pipelined, e)
		}
	}
	return nonces.Commitment, nil
}

// Handle processes a witness-bound message and returns the replies.
func (w *Witness) Handle(ctx context.Context, msg any) ([]Outbound, error) {
	switch m := msg.(type) {
	case *Execute:
		return w.onExecute(ctx, m)
	case *SignRequest:
		return w.onSignRequest(ctx, m)
	default:
		return nil, coreerr.New(coreerr.KindInvalid, "consensus.witness", "unexpected %T", msg)
	}
}

func (w *Witness) onExecute(ctx context.Context, m *Execute) ([]Outbound, error) {
	const op = "consensus.execute"
	if prestate.BindOperationBytes(m.PrestateHash, m.OperationBytes) != m.ConsensusID {
		return nil, coreerr.New(coreerr.KindInvalid, op, "consensus id %s does not bind the proposed operation", m.ConsensusID)
	}
	if !slices.Contains(m.Witnesses, w.self) {
		return nil, coreerr.New(coreerr.KindInvalid, op, "%s is not a witness of %s", w.self, m.ConsensusID)
	}

	var out []Outbound
	opHash := types.HashBytes(m.OperationBytes)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sessions.Contains(m.ConsensusID) {
		return nil, nil
	}

	if prev, seen := w.prestates.Get(m.PrestateHash); !seen {
		w.prestates.Add(m.PrestateHash, opHash)
	} else if first := prev.(types.Hash32); first != opHash {
		w.logger.WarnContext(ctx, "conflicting operations on prestate",
			"prestate", m.PrestateHash.String(), "first", first.String(), "second", opHash.String())
		conflicts := []types.Hash32{first, opHash}
		slices.SortFunc(conflicts, types.Hash32.Compare)
		o, err := outbound(m.Coordinator, &Conflict{ConsensusID: m.ConsensusID, Conflicts: conflicts, Reporter: w.self})
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}

	if m.FastPath() {
		reply, err := w.fastReply(ctx, m)
		if err != nil {
			return out, err
		}
		return append(out, reply), nil
	}

	nonces, err := frost.Commit(effects.Reader(ctx, w.random), w.key)
	if err != nil {
		return out, coreerr.Wrap(coreerr.KindCrypto, op, err, "generate nonce")
	}
	w.sessions.Add(m.ConsensusID, &session{exec: m, nonces: nonces})
	o, err := outbound(m.Coordinator, &NonceCommit{ConsensusID: m.ConsensusID, Commitment: nonces.Commitment, Signer: w.self})
	if err != nil {
		return out, err
	}
	return append(out, o), nil
}

// fastReply signs immediately with the pipelined nonce. Must hold w.mu.
func (w *Witness) fastReply(ctx context.Context, m *Execute) (Outbound, error) {
	const op = "consensus.execute"
	nonces, ok := w.pipelined[m.Epoch]
	if !ok {
		return Outbound{}, coreerr.New(coreerr.KindNotFound, op, "no pipelined nonce for epoch %d", m.Epoch)
	}
	pkg, err := frost.NewSigningPackage(m.Commitments, m.OperationBytes)
	if err != nil {
		return Outbound{}, coreerr.Wrap(coreerr.KindInvalid, op, err, "bad commitment set")
	}
	share, err := frost.Sign(pkg, nonces, w.key)
	if err != nil {
		return Outbound{}, coreerr.Wrap(coreerr.KindCrypto, op, err, "sign with pipelined nonce")
	}
	// A nonce signs at most once.
	delete(w.pipelined, m.Epoch)
	reply := &NonceCommit{
		ConsensusID: m.ConsensusID,
		Commitment:  nonces.Commitment,
		Signer:      w.self,
		Share:       &share,
	}
	renewal := w.renewal(ctx)
	if renewal != nil {
		reply.Renewal = &renewal.Commitment
	}
	w.sessions.Add(m.ConsensusID, &session{exec: m, nonces: renewal})
	return outbound(m.Coordinator, reply)
}

// renewal generates the nonce a re-planned signing set of the same
// instance will use. It returns nil when randomness fails.
func (w *Witness) renewal(ctx context.Context) *frost.SigningNonces {
	nonces, err := frost.Commit(effects.Reader(ctx, w.random), w.key)
	if err != nil {
		w.logger.WarnContext(ctx, "renewal nonce unavailable", "error", err)
		return nil
	}
	return nonces
}

func (w *Witness) onSignRequest(ctx context.Context, m *SignRequest) ([]Outbound, error) {
	reply, coordinator, err := w.signShare(m, w.renewal(ctx))
	if err != nil {
		return nil, err
	}
	if next, err := w.Pipeline(ctx, reply.Epoch); err == nil {
		reply.NextCommitment = &next
	} else {
		w.logger.WarnContext(ctx, "pipelined nonce unavailable", "error", err)
	}
	o, err := outbound(coordinator, reply)
	if err != nil {
		return nil, err
	}
	return []Outbound{o}, nil
}

// signShare signs with the session nonce and replaces it with renewal,
// so each nonce signs at most once.
func (w *Witness) signShare(m *SignRequest, renewal *frost.SigningNonces) (*SignShare, types.AuthorityID, error) {
	const op = "consensus.sign_request"
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.sessions.Get(m.ConsensusID)
	if !ok {
		return nil, types.AuthorityID{}, coreerr.New(coreerr.KindNotFound, op, "unknown instance %s", m.ConsensusID)
	}
	s := v.(*session)
	if s.nonces == nil {
		return nil, types.AuthorityID{}, coreerr.New(coreerr.KindInvalid, op, "nonce for %s already used", m.ConsensusID)
	}
	own, ok := m.AggregatedNonces[w.self]
	if !ok || own != s.nonces.Commitment {
		return nil, types.AuthorityID{}, coreerr.New(coreerr.KindInvalid, op, "sign request for %s does not carry our commitment", m.ConsensusID)
	}
	list := make([]frost.SigningCommitment, 0, len(m.AggregatedNonces))
	for _, c := range m.AggregatedNonces {
		list = append(list, c)
	}
	pkg, err := frost.NewSigningPackage(list, s.exec.OperationBytes)
	if err != nil {
		return nil, types.AuthorityID{}, coreerr.Wrap(coreerr.KindInvalid, op, err, "bad commitment set")
	}
	share, err := frost.Sign(pkg, s.nonces, w.key)
	if err != nil {
		return nil, types.AuthorityID{}, coreerr.Wrap(coreerr.KindCrypto, op, err, "sign")
	}
	s.nonces = renewal
	reply := &SignShare{ConsensusID: m.ConsensusID, Share: share, Epoch: s.exec.Epoch, Signer: w.self, Attempt: m.Attempt}
	if renewal != nil {
		reply.Renewal = &renewal.Commitment
	}
	return reply, s.exec.Coordinator, nil
}

// Forget drops the session of a finished instance.
func (w *Witness) Forget(id types.Hash32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions.Remove(id)
}
