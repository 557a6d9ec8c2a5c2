package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/repository/memory"
	apperrors "callsignal-backend/pkg/errors"
)

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishCall(ctx context.Context, call *domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyIncomingCall(ctx context.Context, call *domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockNotifier) NotifyMissedCall(ctx context.Context, call *domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc       *Service
	repo      *memory.CallRepository
	clock     *fakeClock
	publisher *MockPublisher
	notifier  *MockNotifier
	alice     uuid.UUID
	bob       uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      memory.NewCallRepository(),
		clock:     &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		publisher: new(MockPublisher),
		notifier:  new(MockNotifier),
		alice:     uuid.New(),
		bob:       uuid.New(),
	}
	f.publisher.On("PublishCall", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("NotifyIncomingCall", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("NotifyMissedCall", mock.Anything, mock.Anything).Return(nil)

	f.svc = NewService(f.repo, Config{RingTimeout: time.Minute},
		WithPublisher(f.publisher),
		WithNotifier(f.notifier),
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) create(t *testing.T, callType domain.CallType) *domain.CallSession {
	t.Helper()
	call, err := f.svc.CreateCall(context.Background(), f.alice, &CreateCallInput{
		ReceiverID: f.bob,
		Type:       callType,
	})
	require.NoError(t, err)
	return call
}

// connect drives a call to active through offer and answer
func (f *fixture) connect(t *testing.T, callType domain.CallType) *domain.CallSession {
	t.Helper()
	ctx := context.Background()
	call := f.create(t, callType)
	_, err := f.svc.PatchCall(ctx, f.alice, call.ID, offerPatch())
	require.NoError(t, err)
	call, err = f.svc.PatchCall(ctx, f.bob, call.ID, answerPatch())
	require.NoError(t, err)
	require.Equal(t, domain.CallStatusActive, call.Status)
	return call
}

func offerPatch() *domain.CallPatch {
	return &domain.CallPatch{
		Action: domain.ActionOffer,
		Offer:  &domain.SessionDescription{Type: "offer", SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},
	}
}

func answerPatch() *domain.CallPatch {
	return &domain.CallPatch{
		Action: domain.ActionAnswer,
		Answer: &domain.SessionDescription{Type: "answer", SDP: "v=0\r\no=- 2 1 IN IP4 0.0.0.0\r\n"},
	}
}

func candidatePatch(candidate string) *domain.CallPatch {
	return &domain.CallPatch{
		Action:       domain.ActionICECandidate,
		ICECandidate: &domain.ICECandidate{Candidate: candidate},
	}
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, code), "expected %s, got %v", code, err)
}

func TestCreateCall(t *testing.T) {
	f := newFixture(t)

	call := f.create(t, domain.CallTypeVideo)

	assert.Equal(t, f.alice, call.InitiatorID)
	assert.Equal(t, f.bob, call.ReceiverID)
	assert.Equal(t, domain.CallStatusPending, call.Status)
	assert.Nil(t, call.EndedAt)
	assert.Nil(t, call.Duration)
	assert.Nil(t, call.Metadata.Offer)
	assert.Empty(t, call.Metadata.ICECandidates.Initiator)
	assert.NotNil(t, call.Metadata.ICECandidates.Initiator)

	f.notifier.AssertNumberOfCalls(t, "NotifyIncomingCall", 1)
	f.publisher.AssertCalled(t, "PublishCall", mock.Anything, mock.Anything)
}

func TestCreateCall_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input *CreateCallInput
		code  apperrors.ErrorCode
	}{
		{"missing receiver", &CreateCallInput{Type: domain.CallTypeAudio}, apperrors.ErrCodeMissingField},
		{"bad type", &CreateCallInput{ReceiverID: f.bob, Type: "fax"}, apperrors.ErrCodeValidation},
		{"self call", &CreateCallInput{ReceiverID: f.alice, Type: domain.CallTypeAudio}, apperrors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateCall(ctx, f.alice, tt.input)
			assertCode(t, err, tt.code)
		})
	}
}

func TestCreateCall_CancelsEarlierPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, domain.CallTypeAudio)
	f.clock.Advance(time.Second)
	second := f.create(t, domain.CallTypeAudio)

	old, err := f.svc.GetCall(ctx, f.alice, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCancelled, old.Status)
	assert.NotNil(t, old.EndedAt)

	current, err := f.svc.GetCall(ctx, f.bob, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, current.Status)
}

func TestGetCall_NotFoundAndNonParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeAudio)

	_, err := f.svc.GetCall(ctx, f.alice, uuid.New())
	assertCode(t, err, apperrors.ErrCodeCallNotFound)

	_, err = f.svc.GetCall(ctx, uuid.New(), call.ID)
	assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)
}

func TestPatchCall_OfferAndAnswerRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeVideo)

	_, err := f.svc.PatchCall(ctx, f.bob, call.ID, offerPatch())
	assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)

	_, err = f.svc.PatchCall(ctx, f.bob, call.ID, answerPatch())
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	updated, err := f.svc.PatchCall(ctx, f.alice, call.ID, offerPatch())
	require.NoError(t, err)
	require.NotNil(t, updated.Metadata.Offer)
	assert.Equal(t, domain.CallStatusPending, updated.Status)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, offerPatch())
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, answerPatch())
	assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)

	updated, err = f.svc.PatchCall(ctx, f.bob, call.ID, answerPatch())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)
	assert.NotNil(t, updated.Metadata.Answer)

	_, err = f.svc.PatchCall(ctx, f.bob, call.ID, answerPatch())
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestPatchCall_DescriptionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeAudio)

	_, err := f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionOffer})
	assertCode(t, err, apperrors.ErrCodeMissingField)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{
		Action: domain.ActionOffer,
		Offer:  &domain.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	assertCode(t, err, apperrors.ErrCodeValidation)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: "teleport"})
	assertCode(t, err, apperrors.ErrCodeValidation)
}

func TestPatchCall_AcceptKeepsOfferAndAnswerPossible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeAudio)

	_, err := f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionAccept})
	assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)

	updated, err := f.svc.PatchCall(ctx, f.bob, call.ID, &domain.CallPatch{Action: domain.ActionAccept})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, updated.Status)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, offerPatch())
	require.NoError(t, err)
	updated, err = f.svc.PatchCall(ctx, f.bob, call.ID, answerPatch())
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, updated.Status)

	_, err = f.svc.PatchCall(ctx, f.bob, call.ID, &domain.CallPatch{Action: domain.ActionAccept})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestPatchCall_ConcurrentCandidatesAreAllKept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeVideo)

	const perSide = 25
	var wg sync.WaitGroup
	for i := 0; i < perSide; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.PatchCall(ctx, f.alice, call.ID, candidatePatch(fmt.Sprintf("candidate:a%d", i)))
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.PatchCall(ctx, f.bob, call.ID, candidatePatch(fmt.Sprintf("candidate:b%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	final, err := f.svc.GetCall(ctx, f.alice, call.ID)
	require.NoError(t, err)
	assert.Len(t, final.Metadata.ICECandidates.Initiator, perSide)
	assert.Len(t, final.Metadata.ICECandidates.Receiver, perSide)
}

func TestPatchCall_CandidateRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.create(t, domain.CallTypeAudio)

	_, err := f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionICECandidate})
	assertCode(t, err, apperrors.ErrCodeMissingField)

	updated, err := f.svc.PatchCall(ctx, f.bob, call.ID, candidatePatch("candidate:1"))
	require.NoError(t, err)
	assert.Len(t, updated.Metadata.ICECandidates.Receiver, 1)
	assert.Empty(t, updated.Metadata.ICECandidates.Initiator)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionEnd})
	require.NoError(t, err)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, candidatePatch("candidate:2"))
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestPatchCall_EndRecordsDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call := f.connect(t, domain.CallTypeVideo)

	f.clock.Advance(65 * time.Second)
	ended, err := f.svc.PatchCall(ctx, f.bob, call.ID, &domain.CallPatch{Action: domain.ActionEnd})
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	require.NotNil(t, ended.Duration)
	assert.Equal(t, 65, *ended.Duration)
	assert.Equal(t, "Video call • 1m 5s", Summary(ended))

	f.clock.Advance(10 * time.Second)
	again, err := f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionEnd})
	require.NoError(t, err)
	assert.Equal(t, 65, *again.Duration)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
}

func TestPatchCall_RejectAndStatusOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call := f.create(t, domain.CallTypeAudio)
	_, err := f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionReject})
	assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)

	rejected, err := f.svc.PatchCall(ctx, f.bob, call.ID, &domain.CallPatch{Action: domain.ActionReject})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRejected, rejected.Status)
	assert.NotNil(t, rejected.EndedAt)
	assert.Nil(t, rejected.Duration)

	_, err = f.svc.PatchCall(ctx, f.alice, call.ID, &domain.CallPatch{Action: domain.ActionStatus, Status: domain.CallStatusMissed})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	active := f.connect(t, domain.CallTypeAudio)
	_, err = f.svc.PatchCall(ctx, f.alice, active.ID, &domain.CallPatch{Action: domain.ActionStatus, Status: domain.CallStatusAccepted})
	assertCode(t, err, apperrors.ErrCodeValidation)

	f.clock.Advance(5 * time.Second)
	missed, err := f.svc.PatchCall(ctx, f.alice, active.ID, &domain.CallPatch{Action: domain.ActionStatus, Status: domain.CallStatusMissed})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, missed.Status)
	require.NotNil(t, missed.Duration)
	assert.Equal(t, 5, *missed.Duration)
}

func TestDeleteCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("initiator cancels ringing call", func(t *testing.T) {
		call := f.create(t, domain.CallTypeAudio)
		out, err := f.svc.DeleteCall(ctx, f.alice, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusCancelled, out.Status)
		assert.NotNil(t, out.EndedAt)
		assert.Nil(t, out.Duration)
	})

	t.Run("receiver rejects ringing call", func(t *testing.T) {
		call := f.create(t, domain.CallTypeAudio)
		out, err := f.svc.DeleteCall(ctx, f.bob, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusRejected, out.Status)
	})

	t.Run("active call ends with duration", func(t *testing.T) {
		call := f.connect(t, domain.CallTypeAudio)
		f.clock.Advance(3 * time.Second)
		out, err := f.svc.DeleteCall(ctx, f.bob, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusEnded, out.Status)
		require.NotNil(t, out.Duration)
		assert.Equal(t, 3, *out.Duration)

		again, err := f.svc.DeleteCall(ctx, f.alice, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallStatusEnded, again.Status)
	})

	t.Run("non participant", func(t *testing.T) {
		call := f.create(t, domain.CallTypeAudio)
		_, err := f.svc.DeleteCall(ctx, uuid.New(), call.ID)
		assertCode(t, err, apperrors.ErrCodeSignalingUnauthorized)
	})
}

func TestCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call := f.create(t, domain.CallTypeVideo)

	current, err := f.svc.Current(ctx, f.bob)
	require.NoError(t, err)
	require.NotNil(t, current.IncomingCall)
	assert.Equal(t, call.ID, current.IncomingCall.ID)
	assert.Nil(t, current.ActiveCall)

	current, err = f.svc.Current(ctx, f.alice)
	require.NoError(t, err)
	assert.Nil(t, current.IncomingCall)

	f.clock.Advance(61 * time.Second)
	current, err = f.svc.Current(ctx, f.bob)
	require.NoError(t, err)
	assert.Nil(t, current.IncomingCall)

	active := f.connect(t, domain.CallTypeAudio)
	current, err = f.svc.Current(ctx, f.alice)
	require.NoError(t, err)
	require.NotNil(t, current.ActiveCall)
	assert.Equal(t, active.ID, current.ActiveCall.ID)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ended := f.connect(t, domain.CallTypeVideo)
	f.clock.Advance(5 * time.Second)
	_, err := f.svc.PatchCall(ctx, f.alice, ended.ID, &domain.CallPatch{Action: domain.ActionEnd})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	incoming, err := f.svc.CreateCall(ctx, f.bob, &CreateCallInput{ReceiverID: f.alice, Type: domain.CallTypeAudio})
	require.NoError(t, err)
	_, err = f.svc.PatchCall(ctx, f.bob, incoming.ID, &domain.CallPatch{Action: domain.ActionStatus, Status: domain.CallStatusMissed})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	f.create(t, domain.CallTypeAudio)

	all, err := f.svc.History(ctx, f.alice, domain.HistoryAll, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, incoming.ID, all[0].ID)
	assert.False(t, all[0].IsOutgoing)
	assert.Equal(t, f.bob, all[0].OtherUserID)
	assert.Equal(t, "Missed voice call", all[0].Summary)
	assert.Equal(t, "Video call • 5s", all[1].Summary)
	assert.True(t, all[1].IsOutgoing)

	sent, err := f.svc.History(ctx, f.alice, domain.HistorySent, 0)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, ended.ID, sent[0].ID)

	missed, err := f.svc.History(ctx, f.alice, domain.HistoryMissed, 0)
	require.NoError(t, err)
	require.Len(t, missed, 1)

	limited, err := f.svc.History(ctx, f.alice, domain.HistoryAll, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestParseHistoryFilter(t *testing.T) {
	f, err := ParseHistoryFilter("")
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryAll, f)

	f, err = ParseHistoryFilter("Missed")
	require.NoError(t, err)
	assert.Equal(t, domain.HistoryMissed, f)

	_, err = ParseHistoryFilter("outgoing")
	assertCode(t, err, apperrors.ErrCodeValidation)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ringing := f.create(t, domain.CallTypeAudio)
	f.clock.Advance(30 * time.Second)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(31 * time.Second)
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missed, err := f.svc.GetCall(ctx, f.bob, ringing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, missed.Status)
	assert.Nil(t, missed.Duration)
	f.notifier.AssertNumberOfCalls(t, "NotifyMissedCall", 1)

	active := f.connect(t, domain.CallTypeVideo)
	f.clock.Advance(25 * time.Hour)
	n, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ended, err := f.svc.GetCall(ctx, f.alice, active.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	require.NotNil(t, ended.Duration)
	assert.Equal(t, int((25 * time.Hour).Seconds()), *ended.Duration)
}

func TestSweepExpired_Disabled(t *testing.T) {
	repo := memory.NewCallRepository()
	clock := &fakeClock{t: time.Now()}
	svc := NewService(repo, Config{}, WithClock(clock.Now))

	call, err := svc.CreateCall(context.Background(), uuid.New(), &CreateCallInput{ReceiverID: uuid.New(), Type: domain.CallTypeAudio})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := repo.GetByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusPending, stored.Status)
}

func TestSummary(t *testing.T) {
	five := 5
	tests := []struct {
		name     string
		call     *domain.CallSession
		expected string
	}{
		{"ended voice", &domain.CallSession{Type: domain.CallTypeAudio, Status: domain.CallStatusEnded, Duration: &five}, "Voice call • 5s"},
		{"ended without duration", &domain.CallSession{Type: domain.CallTypeVideo, Status: domain.CallStatusEnded}, "Video call"},
		{"missed video", &domain.CallSession{Type: domain.CallTypeVideo, Status: domain.CallStatusMissed}, "Missed video call"},
		{"rejected", &domain.CallSession{Type: domain.CallTypeVideo, Status: domain.CallStatusRejected}, "Video call declined"},
		{"cancelled", &domain.CallSession{Type: domain.CallTypeAudio, Status: domain.CallStatusCancelled}, "Voice call cancelled"},
		{"active", &domain.CallSession{Type: domain.CallTypeAudio, Status: domain.CallStatusActive}, "Voice call"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Summary(tt.call))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "45s", FormatDuration(45))
	assert.Equal(t, "1m 5s", FormatDuration(65))
	assert.Equal(t, "1h 0m 1s", FormatDuration(3601))
	assert.Equal(t, "0s", FormatDuration(-3))
}
