package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RecordTimeout bounds the status write that follows a gateway call. The
// write runs detached from the request context so that a client hanging up
// mid-send does not leave the message PENDING.
const RecordTimeout = 5 * time.Second

const sweepReason = "no gateway outcome recorded"

type Deps struct {
	Users     UserStore
	Messages  MessageStore
	Gateway   Gateway
	Registry  *Registry
	Verifier  Authenticator
	Publisher StatusPublisher
	Logger    logrus.FieldLogger
	Now       func() time.Time
	// HashCost is the bcrypt cost for stored tokens; 0 means bcrypt.DefaultCost.
	HashCost int
}

// Service orchestrates authentication, persistence and gateway submission.
// It keeps no state of its own and is safe for concurrent use.
type Service struct {
	users     UserStore
	messages  MessageStore
	gateway   Gateway
	registry  *Registry
	verifier  Authenticator
	publisher StatusPublisher
	log       logrus.FieldLogger
	now       func() time.Time
	hashCost  int
}

func NewService(d Deps) *Service {
	s := &Service{
		users:     d.Users,
		messages:  d.Messages,
		gateway:   d.Gateway,
		registry:  d.Registry,
		verifier:  d.Verifier,
		publisher: d.Publisher,
		log:       d.Logger,
		now:       d.Now,
		hashCost:  d.HashCost,
	}
	if s.registry == nil {
		s.registry = DefaultRegistry
	}
	if s.verifier == nil {
		s.verifier = NewTokenVerifier(d.Users)
	}
	if s.publisher == nil {
		s.publisher = noopPublisher{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// begin logs operation entry and returns a function that logs the exit.
func (s *Service) begin(op string, fields logrus.Fields) (logrus.FieldLogger, func(error)) {
	log := s.log.WithFields(fields).WithField("op", op)
	log.Debug("enter")
	start := s.now()
	return log, func(err error) {
		l := log.WithField("took", s.now().Sub(start).String())
		if err == nil {
			l.Debug("exit")
			return
		}
		l = l.WithError(err).WithField("kind", KindOf(err).String())
		switch KindOf(err) {
		case KindAuthentication, KindValidation, KindNotFound, KindConflict:
			l.Info("rejected")
		case KindGateway:
			l.Warn("gateway failure")
		default:
			l.Error("failed")
		}
	}
}

func (s *Service) authenticate(ctx context.Context, op, token string, userID int64) error {
	ok, err := s.verifier.IsValidUser(ctx, token, userID)
	if err != nil {
		return storageError(op, err)
	}
	if !ok {
		return authError(op)
	}
	return nil
}

// SendMessage records the message as PENDING, submits it to the gateway and
// records the outcome. On gateway failure the FAILED record is returned
// together with a KindGateway error.
func (s *Service) SendMessage(ctx context.Context, token string, req SendRequest) (msg Message, err error) {
	const op = "SendMessage"
	log, done := s.begin(op, logrus.Fields{"user_id": req.UserID})
	defer func() { done(err) }()

	if err = s.authenticate(ctx, op, token, req.UserID); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return Message{}, validationError(op, "content is required")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return Message{}, validationError(op, "recipient is required")
	}
	ch := req.Channel
	if ch == "" {
		ch = ChannelSMS
	}
	if !ch.Valid() {
		return Message{}, validationError(op, fmt.Sprintf("unsupported channel %q", ch))
	}

	msg, err = s.messages.Save(ctx, NewMessage{
		UserID:    req.UserID,
		Content:   req.Content,
		Recipient: req.Recipient,
		Channel:   ch,
	})
	if err != nil {
		return Message{}, storageError(op, err)
	}
	log = log.WithField("message_id", msg.ID)

	res, gwErr := s.gateway.Submit(ctx, msg)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RecordTimeout)
	defer cancel()

	if gwErr != nil {
		updated, _, uerr := s.transition(rctx, log, msg, StatusUpdate{
			Status:        StatusFailed,
			FailureReason: gwErr.Error(),
		})
		if uerr != nil {
			return msg, storageError(op, uerr)
		}
		return updated, gatewayError(op, gwErr)
	}

	updated, _, uerr := s.transition(rctx, log, msg, StatusUpdate{
		Status:            StatusSent,
		ProviderReference: res.ProviderReference,
	})
	if uerr != nil {
		return msg, storageError(op, uerr)
	}
	return updated, nil
}

// transition applies upd and returns the stored record afterwards. A rejected
// transition is logged and reported through the bool; it is not an error.
func (s *Service) transition(ctx context.Context, log logrus.FieldLogger, msg Message, upd StatusUpdate) (Message, bool, error) {
	applied, err := s.messages.UpdateStatus(ctx, msg.ID, upd)
	if err != nil {
		return msg, false, err
	}
	current, err := s.messages.FindByID(ctx, msg.ID)
	if err != nil {
		return msg, applied, err
	}
	if !applied {
		log.WithFields(logrus.Fields{
			"from": current.Status.String(),
			"to":   upd.Status.String(),
		}).Error("illegal status transition rejected")
		return current, false, nil
	}
	ev := StatusEvent{
		MessageID:         current.ID,
		UserID:            current.UserID,
		Status:            current.Status,
		ProviderReference: upd.ProviderReference,
		Reason:            upd.FailureReason,
		At:                s.now().UTC(),
	}
	if perr := s.publisher.Publish(ctx, ev); perr != nil {
		log.WithError(perr).Warn("publish status event")
	}
	return current, true, nil
}

// RetrieveMessage returns a message owned by userID. A message owned by
// someone else is reported as not found.
func (s *Service) RetrieveMessage(ctx context.Context, token string, userID, messageID int64) (msg Message, err error) {
	const op = "RetrieveMessage"
	log, done := s.begin(op, logrus.Fields{"user_id": userID, "message_id": messageID})
	defer func() { done(err) }()

	if err = s.authenticate(ctx, op, token, userID); err != nil {
		return Message{}, err
	}
	msg, err = s.messages.FindByID(ctx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return Message{}, notFoundError(op, "message not found", err)
	}
	if err != nil {
		return Message{}, storageError(op, err)
	}
	if msg.UserID != userID {
		log.WithField("owner_id", msg.UserID).Warn("message requested by non-owner")
		return Message{}, notFoundError(op, "message not found", nil)
	}
	return msg, nil
}

// RetrieveAllMessages returns the user's messages in creation order.
func (s *Service) RetrieveAllMessages(ctx context.Context, token string, userID int64) (msgs []Message, err error) {
	const op = "RetrieveAllMessages"
	_, done := s.begin(op, logrus.Fields{"user_id": userID})
	defer func() { done(err) }()

	if err = s.authenticate(ctx, op, token, userID); err != nil {
		return nil, err
	}
	msgs, err = s.messages.FindAllByUser(ctx, userID)
	if err != nil {
		return nil, storageError(op, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

func (s *Service) RetrieveByStatus(ctx context.Context, token string, userID int64, statusName string) (msgs []Message, err error) {
	const op = "RetrieveByStatus"
	_, done := s.begin(op, logrus.Fields{"user_id": userID, "status": statusName})
	defer func() { done(err) }()

	if err = s.authenticate(ctx, op, token, userID); err != nil {
		return nil, err
	}
	st := s.registry.Resolve(statusName)
	if st == StatusUnrecognized {
		return nil, validationError(op, "wrong status type")
	}
	msgs, err = s.messages.FindByUserAndStatus(ctx, userID, st)
	if err != nil {
		return nil, storageError(op, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// RegisterUser creates a user. When the request carries no token one is
// generated; either way the plaintext is only returned here.
func (s *Service) RegisterUser(ctx context.Context, req UserRequest) (reg Registration, err error) {
	const op = "RegisterUser"
	log, done := s.begin(op, logrus.Fields{"email": req.Email})
	defer func() { done(err) }()

	if strings.TrimSpace(req.Name) == "" {
		return Registration{}, validationError(op, "name is required")
	}
	token := req.AuthToken
	if token == "" {
		token = generateToken()
	}
	if len(token) > maxTokenLen {
		return Registration{}, validationError(op, "authToken is too long")
	}
	hash, err := HashToken(token, s.hashCost)
	if err != nil {
		return Registration{}, &Error{Kind: KindInternal, Op: op, Msg: "internal error", Err: err}
	}
	u, err := s.users.CreateUser(ctx, NewUser{
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		TokenHash: hash,
	})
	if err != nil {
		return Registration{}, storageError(op, err)
	}
	log.WithField("user_id", u.ID).Info("user registered")
	return Registration{User: u, AuthToken: token}, nil
}

// RotateToken replaces the caller's token and returns the new plaintext.
func (s *Service) RotateToken(ctx context.Context, token string, userID int64) (next string, err error) {
	const op = "RotateToken"
	_, done := s.begin(op, logrus.Fields{"user_id": userID})
	defer func() { done(err) }()

	if err = s.authenticate(ctx, op, token, userID); err != nil {
		return "", err
	}
	next = generateToken()
	hash, err := HashToken(next, s.hashCost)
	if err != nil {
		return "", &Error{Kind: KindInternal, Op: op, Msg: "internal error", Err: err}
	}
	if err = s.users.UpdateTokenHash(ctx, userID, hash); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", authError(op)
		}
		return "", storageError(op, err)
	}
	return next, nil
}

// ReportDelivery applies an asynchronous status report from the gateway.
// Reports that would move a message backwards yield a KindConflict error.
func (s *Service) ReportDelivery(ctx context.Context, rep DeliveryReport) (msg Message, err error) {
	const op = "ReportDelivery"
	log, done := s.begin(op, logrus.Fields{"message_id": rep.MessageID, "status": rep.Status})
	defer func() { done(err) }()

	st := s.registry.Resolve(rep.Status)
	if st == StatusUnrecognized {
		return Message{}, validationError(op, "wrong status type")
	}
	msg, err = s.messages.FindByID(ctx, rep.MessageID)
	if errors.Is(err, ErrMessageNotFound) {
		return Message{}, notFoundError(op, "message not found", err)
	}
	if err != nil {
		return Message{}, storageError(op, err)
	}
	upd := StatusUpdate{Status: st}
	if st == StatusFailed || st == StatusUnknown {
		upd.FailureReason = rep.Reason
	}
	updated, applied, err := s.transition(ctx, log, msg, upd)
	if err != nil {
		return Message{}, storageError(op, err)
	}
	if !applied {
		return updated, &Error{
			Kind: KindConflict,
			Op:   op,
			Msg:  fmt.Sprintf("cannot move message from %s to %s", updated.Status, st),
		}
	}
	return updated, nil
}

// SweepStalePending marks messages that have been PENDING longer than
// olderThan as FAILED. Those are sends whose process died between the insert
// and the status write. It returns how many records it moved.
func (s *Service) SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (n int, err error) {
	const op = "SweepStalePending"
	log, done := s.begin(op, logrus.Fields{"older_than": olderThan.String(), "limit": limit})
	defer func() { done(err) }()

	stale, err := s.messages.ListStalePending(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, storageError(op, err)
	}
	for _, m := range stale {
		_, applied, terr := s.transition(ctx, log.WithField("message_id", m.ID), m, StatusUpdate{
			Status:        StatusFailed,
			FailureReason: sweepReason,
		})
		if terr != nil {
			return n, storageError(op, terr)
		}
		if applied {
			n++
		}
	}
	if n > 0 {
		log.WithField("swept", n).Info("stale messages failed")
	}
	return n, nil
}
