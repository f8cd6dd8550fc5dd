package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/payload"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/sequence"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var ErrBadRequest = errors.New("bad program request")

// EncoderConfig configures NewEncoder.
type EncoderConfig struct {
	DetectTimeout time.Duration
	Facility      string
	Timezone      string
	Now           func() time.Time
}

// Encoder turns program requests into card sessions on the managed reader.
type Encoder struct {
	conn   *ConnectionManager
	cfg    EncoderConfig
	logger *zap.Logger
}

func NewEncoder(conn *ConnectionManager, cfg EncoderConfig, logger *zap.Logger) *Encoder {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{conn: conn, cfg: cfg, logger: logger}
}

func (e *Encoder) payloadOptions() payload.Options {
	return payload.Options{Facility: e.cfg.Facility, Timezone: e.cfg.Timezone, Now: e.cfg.Now}
}

// Program encodes one card.  A provided payload is written as-is;
// otherwise it is built from the booking data.
func (e *Encoder) Program(ctx context.Context, req types.ProgramRequest) (types.CardResult, error) {
	if !req.CardType.Valid() {
		return types.CardResult{}, fmt.Errorf("%w: unknown card type %q", ErrBadRequest, req.CardType)
	}
	p := req.Payload
	if len(p) == 0 {
		if req.BookingData == nil {
			return types.CardResult{}, fmt.Errorf("%w: payload or bookingData is required", ErrBadRequest)
		}
		built, err := payload.Build(req.CardType, req.BookingData.Booking(), e.payloadOptions())
		if err != nil {
			return types.CardResult{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		p = built
	}

	r, release, err := e.conn.Acquire()
	if err != nil {
		return types.CardResult{}, err
	}
	defer release()

	log := e.logger.With(zap.String("card_type", string(req.CardType)), zap.String("issue_id", req.IssueID))
	res, err := e.encodeCard(ctx, r, p)
	if err != nil {
		log.Warn("card encode failed", zap.Error(err))
		return types.CardResult{}, err
	}
	log.Info("card encoded", zap.String("card_uid", res.CardUID))
	return res, nil
}

// Detect waits for a card and reports its UID without writing.
func (e *Encoder) Detect(ctx context.Context) (types.DetectedCard, error) {
	r, release, err := e.conn.Acquire()
	if err != nil {
		return types.DetectedCard{}, err
	}
	defer release()

	uid, err := NewSession(r, e.cfg.DetectTimeout).Detect(ctx)
	if err != nil {
		e.conn.Fault(err)
		return types.DetectedCard{}, err
	}
	return types.DetectedCard{UID: uid, Detected: e.cfg.Now()}, nil
}

func (e *Encoder) encodeCard(ctx context.Context, r Reader, p types.Payload) (types.CardResult, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return types.CardResult{}, fmt.Errorf("%w: marshal payload: %v", ErrBadRequest, err)
	}

	s := NewSession(r, e.cfg.DetectTimeout)
	uid, err := s.Detect(ctx)
	if err != nil {
		e.conn.Fault(err)
		return types.CardResult{}, err
	}
	if err := s.Write(ctx, data); err != nil {
		e.conn.Fault(err)
		return types.CardResult{}, err
	}
	return types.CardResult{CardUID: uid, Timestamp: e.cfg.Now()}, nil
}

// ProgramSequence encodes all five cards for a booking on the bridge side.
// It follows the controller's policy: strict order, a failed card never
// stops the run, and the same classification.
func (e *Encoder) ProgramSequence(ctx context.Context, b types.Booking) (types.ProgramSequenceResponse, error) {
	if err := payload.ValidateBooking(b); err != nil {
		return types.ProgramSequenceResponse{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	r, release, err := e.conn.Acquire()
	if err != nil {
		return types.ProgramSequenceResponse{}, err
	}
	defer release()

	log := e.logger.With(zap.String("booking_id", b.ID))
	opts := e.payloadOptions()

	st, err := sequence.Apply(sequence.Idle{}, sequence.Start{Cards: types.AllCardTypes()})
	if err != nil {
		return types.ProgramSequenceResponse{}, err
	}
	var results []types.ProgramSequenceResult

	for {
		cur, running := sequence.Current(st)
		if !running {
			break
		}
		if ctx.Err() != nil {
			st = mustApply(st, sequence.Cancel{})
			break
		}
		ct := cur.CardType
		st = mustApply(st, sequence.Waiting{})
		st = mustApply(st, sequence.Programming{})

		res, err := e.sequenceCard(ctx, r, ct, b, opts)
		if err != nil {
			log.Warn("sequence card failed", zap.String("card_type", string(ct)), zap.Error(err))
			results = append(results, types.ProgramSequenceResult{CardType: ct, Success: false, Error: err.Error()})
			st = mustApply(st, sequence.Failed{Err: err.Error()})
			continue
		}
		results = append(results, types.ProgramSequenceResult{CardType: ct, Success: true, Result: &res})
		st = mustApply(st, sequence.Succeeded{CardUID: res.CardUID, At: res.Timestamp})
	}

	done, _ := st.(sequence.Completed)
	sum := done.Summary
	log.Info("card sequence finished", zap.String("outcome", string(sum.Kind)),
		zap.Int("completed", sum.Succeeded), zap.Int("total", sum.Total))

	return types.ProgramSequenceResponse{
		Success:        sum.Kind != types.OutcomeTotalFailure,
		Outcome:        sum.Kind,
		Results:        results,
		CompletedCards: sum.Succeeded,
		TotalCards:     sum.Total,
	}, nil
}

func (e *Encoder) sequenceCard(ctx context.Context, r Reader, ct types.CardType, b types.Booking, opts payload.Options) (types.CardResult, error) {
	p, err := payload.Build(ct, b, opts)
	if err != nil {
		return types.CardResult{}, err
	}
	return e.encodeCard(ctx, r, p)
}

func mustApply(s sequence.State, ev sequence.Event) sequence.State {
	next, err := sequence.Apply(s, ev)
	if err != nil {
		panic(fmt.Sprintf("bridge sequence: %v", err))
	}
	return next
}
