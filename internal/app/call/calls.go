package call

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// callRecords maps the call record schema onto a DocumentStore:
//
//	calls/{id}                  { offer?, answer? }
//	calls/{id}/offerCandidates  append-only candidate blobs
//	calls/{id}/answerCandidates append-only candidate blobs
type callRecords struct {
	store core.DocumentStore
}

func (r callRecords) ref(id domain.CallID) core.DocRef {
	return core.DocRef{Collection: domain.CallsCollection, ID: string(id)}
}

func (r callRecords) create(ctx context.Context) (domain.CallID, error) {
	ref, err := r.store.Create(ctx, domain.CallsCollection)
	if err != nil {
		return "", err
	}
	return domain.CallID(ref.ID), nil
}

func (r callRecords) setOffer(ctx context.Context, id domain.CallID, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(toDomain(desc))
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.ref(id), core.Fields{domain.FieldOffer: raw})
}

func (r callRecords) setAnswer(ctx context.Context, id domain.CallID, desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(toDomain(desc))
	if err != nil {
		return err
	}
	return r.store.Update(ctx, r.ref(id), core.Fields{domain.FieldAnswer: raw})
}

func (r callRecords) get(ctx context.Context, id domain.CallID) (*domain.Call, error) {
	snap, err := r.store.Get(ctx, r.ref(id))
	if err != nil {
		return nil, err
	}
	return decodeCall(id, snap)
}

func (r callRecords) watch(ctx context.Context, id domain.CallID, fn func(*domain.Call, error)) (core.Subscription, error) {
	return r.store.Watch(ctx, r.ref(id), func(snap *core.Snapshot) {
		fn(decodeCall(id, snap))
	})
}

func (r callRecords) appendCandidate(ctx context.Context, id domain.CallID, side domain.Side, ci webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	_, err = r.store.Append(ctx, r.ref(id).Sub(side.CandidatesGroup()), raw)
	return err
}

// remoteCandidate is one decoded added child of a candidate group.
type remoteCandidate struct {
	id   string
	init webrtc.ICECandidateInit
}

// watchCandidates reports added candidates of side's group. Undecodable
// entries are reported through bad and skipped.
func (r callRecords) watchCandidates(
	ctx context.Context,
	id domain.CallID,
	side domain.Side,
	fn func([]remoteCandidate),
	bad func(changeID string, err error),
) (core.Subscription, error) {
	return r.store.WatchCollection(ctx, r.ref(id).Sub(side.CandidatesGroup()), func(changes []core.Change) {
		out := make([]remoteCandidate, 0, len(changes))
		for _, ch := range changes {
			if ch.Type != core.ChangeAdded {
				continue
			}
			var ci webrtc.ICECandidateInit
			if err := json.Unmarshal(ch.Data, &ci); err != nil {
				bad(ch.ID, err)
				continue
			}
			out = append(out, remoteCandidate{id: ch.ID, init: ci})
		}
		if len(out) > 0 {
			fn(out)
		}
	})
}

func decodeCall(id domain.CallID, snap *core.Snapshot) (*domain.Call, error) {
	c := &domain.Call{ID: id}
	var offer, answer domain.SessionDescription
	ok, err := snap.Decode(domain.FieldOffer, &offer)
	if err != nil {
		return nil, err
	}
	if ok && offer.SDP != "" {
		c.Offer = &offer
	}
	ok, err = snap.Decode(domain.FieldAnswer, &answer)
	if err != nil {
		return nil, err
	}
	if ok && answer.SDP != "" {
		c.Answer = &answer
	}
	return c, nil
}

func toDomain(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(desc.Type.String()), SDP: desc.SDP}
}

func toWebRTC(desc domain.SessionDescription, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(string(desc.Type))
	if t != want {
		return webrtc.SessionDescription{}, fmt.Errorf("expected %s description, got %q", want, desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}
