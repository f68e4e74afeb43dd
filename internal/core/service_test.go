package core_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
	"github.com/Cypherspark/message-scheduler/internal/store/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeGateway struct {
	err   error
	calls atomic.Int32
}

func (g *fakeGateway) Submit(_ context.Context, m core.Message) (core.GatewayResult, error) {
	g.calls.Add(1)
	if g.err != nil {
		return core.GatewayResult{}, g.err
	}
	return core.GatewayResult{ProviderReference: fmt.Sprintf("ref-%d", m.ID), Status: core.StatusSent}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []core.StatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev core.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// countingStore records whether status filtering reached the store.
type countingStore struct {
	*memory.Store
	byStatus atomic.Int32
	failSave error
}

func (c *countingStore) FindByUserAndStatus(ctx context.Context, userID int64, st core.Status) ([]core.Message, error) {
	c.byStatus.Add(1)
	return c.Store.FindByUserAndStatus(ctx, userID, st)
}

func (c *countingStore) Save(ctx context.Context, m core.NewMessage) (core.Message, error) {
	if c.failSave != nil {
		return core.Message{}, c.failSave
	}
	return c.Store.Save(ctx, m)
}

type fixture struct {
	svc   *core.Service
	store *countingStore
	gw    *fakeGateway
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	mem := memory.New()
	f := &fixture{
		store: &countingStore{Store: mem},
		gw:    &fakeGateway{},
		pub:   &recordingPublisher{},
	}
	f.svc = core.NewService(core.Deps{
		Users:     mem,
		Messages:  f.store,
		Gateway:   f.gw,
		Publisher: f.pub,
		Logger:    log,
		HashCost:  bcrypt.MinCost,
	})
	return f
}

func (f *fixture) register(t *testing.T, name, token string) int64 {
	t.Helper()
	reg, err := f.svc.RegisterUser(context.Background(), core.UserRequest{Name: name, Email: name + "@example.com", AuthToken: token})
	require.NoError(t, err)
	require.Equal(t, token, reg.AuthToken)
	return reg.ID
}

func send(f *fixture, token string, userID int64) (core.Message, error) {
	return f.svc.SendMessage(context.Background(), token, core.SendRequest{
		UserID:    userID,
		Content:   "hello",
		Recipient: "+491234",
	})
}

func TestTokenVerifier(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	hash, err := core.HashToken("t1", bcrypt.MinCost)
	require.NoError(t, err)
	u, err := mem.CreateUser(ctx, core.NewUser{Name: "a", TokenHash: hash})
	require.NoError(t, err)
	v := core.NewTokenVerifier(mem)

	for i := 0; i < 3; i++ {
		ok, err := v.IsValidUser(ctx, "t1", u.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	cases := []struct {
		name   string
		token  string
		userID int64
	}{
		{"wrong token", "t2", u.ID},
		{"prefix", "t", u.ID},
		{"empty", "", u.ID},
		{"unknown user", "t1", u.ID + 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := v.IsValidUser(ctx, tc.token, tc.userID)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSendMessage_Success(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")

	m, err := send(f, "t1", uid)
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, m.Status)
	require.NotNil(t, m.ProviderReference)
	require.Equal(t, fmt.Sprintf("ref-%d", m.ID), *m.ProviderReference)
	require.Equal(t, core.ChannelSMS, m.Channel)

	require.Len(t, f.pub.events, 1)
	require.Equal(t, core.StatusSent, f.pub.events[0].Status)
	require.Equal(t, m.ID, f.pub.events[0].MessageID)
}

func TestSendMessage_BadTokenCreatesNothing(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")

	_, err := send(f, "nope", uid)
	require.Error(t, err)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))

	_, err = send(f, "t1", uid+1)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))

	all, err := f.store.FindAllByUser(context.Background(), uid)
	require.NoError(t, err)
	require.Empty(t, all)
	require.Zero(t, f.gw.calls.Load())
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, "t1", core.SendRequest{UserID: uid, Content: " ", Recipient: "+1"})
	require.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = f.svc.SendMessage(ctx, "t1", core.SendRequest{UserID: uid, Content: "x", Recipient: "+1", Channel: "fax"})
	require.Equal(t, core.KindValidation, core.KindOf(err))
	require.Zero(t, f.gw.calls.Load())
}

func TestSendMessage_StorageFailureSkipsGateway(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	f.store.failSave = errors.New("disk full")

	_, err := send(f, "t1", uid)
	require.Equal(t, core.KindStorage, core.KindOf(err))
	require.Zero(t, f.gw.calls.Load())
}

func TestSendMessage_GatewayFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	f.gw.err = errors.New("provider unreachable")
	ctx := context.Background()

	m, err := send(f, "t1", uid)
	require.Error(t, err)
	require.Equal(t, core.KindGateway, core.KindOf(err))
	require.ErrorIs(t, err, f.gw.err)
	require.Equal(t, core.StatusFailed, m.Status)
	require.NotNil(t, m.FailureReason)
	require.Contains(t, *m.FailureReason, "provider unreachable")

	got, err := f.svc.RetrieveMessage(ctx, "t1", uid, m.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, got.Status)

	failed, err := f.svc.RetrieveByStatus(ctx, "t1", uid, "FAILED")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, m.ID, failed[0].ID)

	sent, err := f.svc.RetrieveByStatus(ctx, "t1", uid, "SENT")
	require.NoError(t, err)
	require.Empty(t, sent)
}

func TestSendMessage_NeverReturnsPending(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	for i := 0; i < 10; i++ {
		if i%3 == 0 {
			f.gw.err = errors.New("boom")
		} else {
			f.gw.err = nil
		}
		m, _ := send(f, "t1", uid)
		require.Contains(t, []core.Status{core.StatusSent, core.StatusFailed}, m.Status)
	}
}

func TestSendMessage_CancelledRequestStillRecordsOutcome(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.New()
	log.SetOutput(io.Discard)

	svc := core.NewService(core.Deps{
		Users:    f.store.Store,
		Messages: f.store,
		Gateway:  &cancellingGateway{cancel: cancel},
		Logger:   log,
		HashCost: bcrypt.MinCost,
	})

	m, err := svc.SendMessage(ctx, "t1", core.SendRequest{UserID: uid, Content: "x", Recipient: "+1"})
	require.Equal(t, core.KindGateway, core.KindOf(err))
	require.Equal(t, core.StatusFailed, m.Status)
}

type cancellingGateway struct{ cancel context.CancelFunc }

func (g *cancellingGateway) Submit(ctx context.Context, _ core.Message) (core.GatewayResult, error) {
	g.cancel()
	return core.GatewayResult{}, ctx.Err()
}

func TestRetrieveByStatus_UnknownNameNeverQueriesStore(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")

	_, err := f.svc.RetrieveByStatus(context.Background(), "t1", uid, "bogus")
	require.Equal(t, core.KindValidation, core.KindOf(err))
	require.Equal(t, "wrong status type", core.PublicMessage(err))

	_, err = f.svc.RetrieveByStatus(context.Background(), "t1", uid, "sent")
	require.Equal(t, core.KindValidation, core.KindOf(err))
	require.Zero(t, f.store.byStatus.Load())
}

func TestRetrieveAllMessages_OrderAndIsolation(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "ann", "t1")
	b := f.register(t, "bob", "t2")

	var ids []int64
	for i := 0; i < 4; i++ {
		m, err := send(f, "t1", a)
		require.NoError(t, err)
		ids = append(ids, m.ID)
		_, err = send(f, "t2", b)
		require.NoError(t, err)
	}

	got, err := f.svc.RetrieveAllMessages(context.Background(), "t1", a)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	for i, m := range got {
		require.Equal(t, ids[i], m.ID)
	}

	others, err := f.svc.RetrieveAllMessages(context.Background(), "t2", b)
	require.NoError(t, err)
	for _, m := range others {
		require.NotContains(t, ids, m.ID)
	}
}

func TestRetrieve_InvalidTokenLeaksNothing(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "ann", "t1")
	b := f.register(t, "bob", "t2")
	m, err := send(f, "t1", a)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := f.svc.RetrieveMessage(ctx, "wrong", b, m.ID)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	require.Zero(t, got.ID)

	list, err := f.svc.RetrieveAllMessages(ctx, "wrong", b)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	require.Nil(t, list)

	list, err = f.svc.RetrieveByStatus(ctx, "t1", b, "SENT")
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	require.Nil(t, list)
}

func TestRetrieveMessage_NotFoundAndForeignOwner(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "ann", "t1")
	b := f.register(t, "bob", "t2")
	m, err := send(f, "t1", a)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.svc.RetrieveMessage(ctx, "t1", a, m.ID+100)
	require.Equal(t, core.KindNotFound, core.KindOf(err))

	_, err = f.svc.RetrieveMessage(ctx, "t2", b, m.ID)
	require.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestRegisterAndRotateToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.RegisterUser(ctx, core.UserRequest{Name: "ann"})
	require.NoError(t, err)
	require.NotEmpty(t, reg.AuthToken)
	require.NotEqual(t, reg.AuthToken, reg.TokenHash)

	_, err = send(f, reg.AuthToken, reg.ID)
	require.NoError(t, err)

	next, err := f.svc.RotateToken(ctx, reg.AuthToken, reg.ID)
	require.NoError(t, err)
	require.NotEqual(t, reg.AuthToken, next)

	_, err = send(f, reg.AuthToken, reg.ID)
	require.Equal(t, core.KindAuthentication, core.KindOf(err))
	_, err = send(f, next, reg.ID)
	require.NoError(t, err)

	_, err = f.svc.RegisterUser(ctx, core.UserRequest{Name: ""})
	require.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestReportDelivery(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	m, err := send(f, "t1", uid)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := f.svc.ReportDelivery(ctx, core.DeliveryReport{MessageID: m.ID, Status: "DELIVERED"})
	require.NoError(t, err)
	require.Equal(t, core.StatusDelivered, got.Status)

	got, err = f.svc.ReportDelivery(ctx, core.DeliveryReport{MessageID: m.ID, Status: "FAILED", Reason: "late"})
	require.Equal(t, core.KindConflict, core.KindOf(err))
	require.Equal(t, core.StatusDelivered, got.Status)

	_, err = f.svc.ReportDelivery(ctx, core.DeliveryReport{MessageID: m.ID, Status: "READ"})
	require.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = f.svc.ReportDelivery(ctx, core.DeliveryReport{MessageID: m.ID + 50, Status: "DELIVERED"})
	require.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestForwardOnly_PendingNeverReentered(t *testing.T) {
	f := newFixture(t)
	uid := f.register(t, "ann", "t1")
	m, err := send(f, "t1", uid)
	require.NoError(t, err)

	_, err = f.svc.ReportDelivery(context.Background(), core.DeliveryReport{MessageID: m.ID, Status: "PENDING"})
	require.Equal(t, core.KindConflict, core.KindOf(err))

	got, err := f.svc.RetrieveMessage(context.Background(), "t1", uid, m.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, got.Status)
}

func TestSweepStalePending(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	clock := func() time.Time { return now }

	mem := memory.New().WithClock(clock)
	log := logrus.New()
	log.SetOutput(io.Discard)
	svc := core.NewService(core.Deps{
		Users:    mem,
		Messages: mem,
		Gateway:  &fakeGateway{},
		Logger:   log,
		Now:      clock,
		HashCost: bcrypt.MinCost,
	})
	ctx := context.Background()

	stuck, _ := mem.Save(ctx, core.NewMessage{UserID: 1, Content: "x", Recipient: "+1"})
	now = base.Add(30 * time.Minute)
	fresh, _ := mem.Save(ctx, core.NewMessage{UserID: 1, Content: "y", Recipient: "+1"})

	n, err := svc.SweepStalePending(ctx, 10*time.Minute, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, _ := mem.FindByID(ctx, stuck.ID)
	require.Equal(t, core.StatusFailed, got.Status)
	got, _ = mem.FindByID(ctx, fresh.ID)
	require.Equal(t, core.StatusPending, got.Status)
}
