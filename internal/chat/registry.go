package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrRoomNotFound is returned by every operation that names an unknown room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMemberExists is returned by Join under RejoinReject when the user
	// identity is already present in the room.
	ErrMemberExists = errors.New("user already in room")
	// ErrRegistryClosed is returned once Shutdown has been called.
	ErrRegistryClosed = errors.New("registry closed")
)

// RejoinPolicy decides what Join does with a user identity that is already a
// member of the room.
type RejoinPolicy string

const (
	// RejoinReplace evicts the previous member and admits the new one.
	RejoinReplace RejoinPolicy = "replace"
	// RejoinReject refuses the new member with ErrMemberExists.
	RejoinReject RejoinPolicy = "reject"
)

// ParseRejoinPolicy maps a configuration string to a policy.
func ParseRejoinPolicy(s string) (RejoinPolicy, bool) {
	switch RejoinPolicy(s) {
	case RejoinReplace, RejoinReject:
		return RejoinPolicy(s), true
	}
	return "", false
}

type createRequest struct {
	reply chan RoomSummary
}

type joinRequest struct {
	roomID string
	user   string
	sink   Sink
	reply  chan error
}

// leaveRequest with a non-nil sink only removes the member if it is still
// bound to that sink.
type leaveRequest struct {
	roomID string
	user   string
	sink   Sink
	reply  chan error
}

type publishRequest struct {
	env   Envelope
	reply chan error
}

// Registry owns every room and its membership. All mutations are applied by
// the single goroutine running Run, in the order they were submitted, while
// holding the write lock; read-only queries take the read lock.
type Registry struct {
	rooms map[string]*room
	mu    sync.RWMutex

	create  chan createRequest
	join    chan joinRequest
	leave   chan leaveRequest
	publish chan publishRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	rejoin  RejoinPolicy
	log     *zap.Logger
	metrics *Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.log = logger
		}
	}
}

// WithMetrics sets the collectors updated by the registry and its connections.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRejoinPolicy sets how Join treats an identity that is already present.
func WithRejoinPolicy(p RejoinPolicy) Option {
	return func(r *Registry) {
		if _, ok := ParseRejoinPolicy(string(p)); ok {
			r.rejoin = p
		}
	}
}

// NewRegistry creates an empty Registry. Run must be started before any
// mutating operation can complete.
func NewRegistry(opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		rooms:   make(map[string]*room),
		create:  make(chan createRequest),
		join:    make(chan joinRequest),
		leave:   make(chan leaveRequest),
		publish: make(chan publishRequest),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		rejoin:  RejoinReplace,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies submitted operations until Shutdown is called. It should be
// started in its own goroutine.
func (r *Registry) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.closeMembers()
			return

		case req := <-r.create:
			req.reply <- r.handleCreate()

		case req := <-r.join:
			req.reply <- r.handleJoin(req)

		case req := <-r.leave:
			req.reply <- r.handleLeave(req)

		case req := <-r.publish:
			req.reply <- r.handlePublish(req.env)
		}
	}
}

// Shutdown stops Run, closes the sink of every member and waits for Run to
// return or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.log.Info("Initiating registry shutdown")
	r.cancel()

	select {
	case <-r.done:
		r.log.Info("Registry shutdown completed")
		return nil
	case <-ctx.Done():
		r.log.Warn("Registry shutdown timed out")
		return ctx.Err()
	}
}

// CreateRoom inserts a room with a fresh id and generated name and no members.
func (r *Registry) CreateRoom(ctx context.Context) (RoomSummary, error) {
	req := createRequest{reply: make(chan RoomSummary, 1)}
	if err := submit(ctx, r, r.create, req); err != nil {
		return RoomSummary{}, err
	}
	select {
	case s := <-req.reply:
		return s, nil
	case <-r.done:
		select {
		case s := <-req.reply:
			return s, nil
		default:
			return RoomSummary{}, ErrRegistryClosed
		}
	}
}

// RoomInfo returns the summary of roomID, or ErrRoomNotFound.
func (r *Registry) RoomInfo(roomID string) (RoomSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomSummary{}, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	return rm.summary(), nil
}

// MemberCount returns the number of members currently in roomID.
func (r *Registry) MemberCount(roomID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, fmt.Errorf("room %q: %w", roomID, ErrRoomNotFound)
	}
	return len(rm.members), nil
}

// RoomCount returns the number of rooms ever created.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Join announces user to the current members of roomID and then adds it with
// sink as its delivery handle, so the new member never sees its own notice.
func (r *Registry) Join(ctx context.Context, roomID, user string, sink Sink) error {
	if sink == nil {
		return errors.New("join: nil sink")
	}
	req := joinRequest{roomID: roomID, user: user, sink: sink, reply: make(chan error, 1)}
	return awaitReply(ctx, r, r.join, req, req.reply)
}

// Leave removes user from roomID and announces the departure to the remaining
// members. Leaving twice is the same as leaving once.
func (r *Registry) Leave(ctx context.Context, roomID, user string) error {
	return r.leaveMember(ctx, roomID, user, nil)
}

func (r *Registry) leaveMember(ctx context.Context, roomID, user string, sink Sink) error {
	req := leaveRequest{roomID: roomID, user: user, sink: sink, reply: make(chan error, 1)}
	return awaitReply(ctx, r, r.leave, req, req.reply)
}

// Publish delivers env to every current member of env.RoomID, the sender
// included.
func (r *Registry) Publish(ctx context.Context, env Envelope) error {
	req := publishRequest{env: env, reply: make(chan error, 1)}
	return awaitReply(ctx, r, r.publish, req, req.reply)
}

// awaitReply submits req and waits for the loop to answer on reply. An
// accepted request is always answered before Run returns.
func awaitReply[T any](ctx context.Context, r *Registry, ch chan T, req T, reply <-chan error) error {
	if err := submit(ctx, r, ch, req); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRegistryClosed
		}
	}
}

func submit[T any](ctx context.Context, r *Registry, ch chan T, req T) error {
	select {
	case ch <- req:
		return nil
	case <-r.ctx.Done():
		return ErrRegistryClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) handleCreate() RoomSummary {
	rm := newRoom()

	r.mu.Lock()
	r.rooms[rm.id] = rm
	total := len(r.rooms)
	r.mu.Unlock()

	r.metrics.roomCreated()
	r.log.Info("Room created", zap.String("room_id", rm.id), zap.String("room_name", rm.name), zap.Int("rooms", total))
	return rm.summary()
}

func (r *Registry) handleJoin(req joinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[req.roomID]
	if !ok {
		return fmt.Errorf("join %q: %w", req.roomID, ErrRoomNotFound)
	}

	if prev, exists := rm.members[req.user]; exists {
		if prev == req.sink {
			return nil
		}
		if r.rejoin == RejoinReject {
			return fmt.Errorf("join %q as %q: %w", req.roomID, req.user, ErrMemberExists)
		}
		delete(rm.members, req.user)
		r.metrics.memberRemoved()
		prev.Close()
		r.log.Info("Replaced existing member", zap.String("room_id", rm.id), zap.String("user", req.user))
	}

	r.fanOut(rm, joinedNotice(rm.id, req.user))
	rm.members[req.user] = req.sink
	r.metrics.memberAdded()

	r.log.Info("Member joined", zap.String("room_id", rm.id), zap.String("user", req.user), zap.Int("members", len(rm.members)))
	return nil
}

func (r *Registry) handleLeave(req leaveRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[req.roomID]
	if !ok {
		return fmt.Errorf("leave %q: %w", req.roomID, ErrRoomNotFound)
	}

	current, ok := rm.members[req.user]
	if !ok || (req.sink != nil && current != req.sink) {
		return nil
	}

	delete(rm.members, req.user)
	r.metrics.memberRemoved()
	r.fanOut(rm, leftNotice(rm.id, req.user))

	r.log.Info("Member left", zap.String("room_id", rm.id), zap.String("user", req.user), zap.Int("members", len(rm.members)))
	return nil
}

func (r *Registry) handlePublish(env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[env.RoomID]
	if !ok {
		return fmt.Errorf("publish to %q: %w", env.RoomID, ErrRoomNotFound)
	}

	r.fanOut(rm, env)
	return nil
}

// fanOut must be called with the write lock held.
func (r *Registry) fanOut(rm *room, env Envelope) {
	dropped := rm.broadcast(env)
	r.metrics.fannedOut(env.Kind, dropped)
	if dropped > 0 {
		r.log.Debug("Dropped deliveries during fan-out",
			zap.String("room_id", rm.id), zap.String("type", string(env.Kind)), zap.Int("dropped", dropped))
	}
}

// closeMembers empties every room and closes the member sinks. Rooms persist.
func (r *Registry) closeMembers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for _, rm := range r.rooms {
		for user, sink := range rm.members {
			sink.Close()
			delete(rm.members, user)
			closed++
		}
	}
	r.metrics.membersCleared()
	r.log.Info("Closed member sinks", zap.Int("members", closed))
}
