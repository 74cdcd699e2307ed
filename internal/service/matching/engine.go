// Package matching owns the ride lifecycle: pending requests, the live
// driver table and active trips. All working state is in memory under one
// mutex; durable writes go through the persistence gateway and never happen
// while the lock is held.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aubus-app/aubus-server/internal/domain/models"
	"github.com/aubus-app/aubus-server/internal/domain/types"
	"github.com/aubus-app/aubus-server/internal/protocol"
	"github.com/aubus-app/aubus-server/pkg/logger"
	wrap "github.com/aubus-app/aubus-server/pkg/logger/wrapper"
	"github.com/aubus-app/aubus-server/pkg/metrics"
)

type Config struct {
	OfferTTL        time.Duration
	RequestTTL      time.Duration
	SweepInterval   time.Duration
	PersistAttempts int
	PersistBackoff  time.Duration
}

func (c *Config) withDefaults() {
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 100 * time.Millisecond
	}
}

type offer struct {
	driverID  uuid.UUID
	offeredAt time.Time
}

type Engine struct {
	cfg      Config
	costFn   CostFn
	now      func() time.Time
	geocoder Geocoder

	requests     RequestRepo
	trips        TripRepo
	availability AvailabilityRepo
	ratings      RatingRepo
	notifier     Notifier
	publisher    Publisher
	log          logger.Logger

	mu            sync.Mutex
	open          map[uuid.UUID]*models.RideRequest // non-terminal requests
	byRider       map[uuid.UUID]uuid.UUID           // rider -> open request
	drivers       map[uuid.UUID]*models.DriverState
	offers        map[uuid.UUID]offer // request -> outstanding offer
	offerByDriver map[uuid.UUID]uuid.UUID
	excluded      map[uuid.UUID]map[uuid.UUID]bool // request -> drivers who declined
	activeTrips   map[uuid.UUID]*models.Trip
	tripByDriver  map[uuid.UUID]uuid.UUID
	tripByRider   map[uuid.UUID]uuid.UUID
}

type Option func(*Engine)

// WithCostFn replaces the default driver scoring function.
func WithCostFn(fn CostFn) Option {
	return func(e *Engine) { e.costFn = fn }
}

// WithClock replaces the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGeocoder enables reverse geocoding of ride endpoints that arrive
// without an address.
func WithGeocoder(g Geocoder) Option {
	return func(e *Engine) { e.geocoder = g }
}

func New(
	cfg Config,
	requests RequestRepo,
	trips TripRepo,
	availability AvailabilityRepo,
	ratings RatingRepo,
	notifier Notifier,
	publisher Publisher,
	log logger.Logger,
	opts ...Option,
) *Engine {
	cfg.withDefaults()
	e := &Engine{
		cfg:           cfg,
		costFn:        DefaultCost,
		now:           func() time.Time { return time.Now().UTC() },
		requests:      requests,
		trips:         trips,
		availability:  availability,
		ratings:       ratings,
		notifier:      notifier,
		publisher:     publisher,
		log:           log,
		open:          make(map[uuid.UUID]*models.RideRequest),
		byRider:       make(map[uuid.UUID]uuid.UUID),
		drivers:       make(map[uuid.UUID]*models.DriverState),
		offers:        make(map[uuid.UUID]offer),
		offerByDriver: make(map[uuid.UUID]uuid.UUID),
		excluded:      make(map[uuid.UUID]map[uuid.UUID]bool),
		activeTrips:   make(map[uuid.UUID]*models.Trip),
		tripByDriver:  make(map[uuid.UUID]uuid.UUID),
		tripByRider:   make(map[uuid.UUID]uuid.UUID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

/* ======================= push payloads ======================= */

type RideOfferPayload struct {
	RequestID   uuid.UUID       `json:"request_id"`
	Pickup      models.Location `json:"pickup"`
	Destination models.Location `json:"destination"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

type DriverAssignedPayload struct {
	RequestID  uuid.UUID       `json:"request_id"`
	TripID     uuid.UUID       `json:"trip_id"`
	DriverID   uuid.UUID       `json:"driver_id"`
	DriverName string          `json:"driver_name,omitempty"`
	Rating     float64         `json:"rating"`
	Location   models.Location `json:"location"`
}

type RideCancelledPayload struct {
	RequestID uuid.UUID  `json:"request_id"`
	TripID    *uuid.UUID `json:"trip_id,omitempty"`
}

type RequestExpiredPayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

type TripCompletedPayload struct {
	TripID    uuid.UUID `json:"trip_id"`
	RequestID uuid.UUID `json:"request_id"`
}

type DriverStatusPayload struct {
	DriverID uuid.UUID          `json:"driver_id"`
	Status   types.DriverStatus `json:"status"`
	Location models.Location    `json:"location"`
}

// push pairs a target user with an encoded payload, built under the lock
// and delivered after it is released.
type push struct {
	userID   uuid.UUID
	pushType string
	data     any
}

func (e *Engine) deliver(ctx context.Context, pushes []push) {
	for _, p := range pushes {
		if err := e.notifier.Push(ctx, p.userID, p.pushType, p.data); err != nil {
			e.log.Warn(wrap.WithUserID(ctx, p.userID.String()), "push failed", "type", p.pushType, "error", err.Error())
		}
	}
}

/* ======================= driver table ======================= */

// UpsertDriver registers or refreshes a driver in the live table. Called on
// driver login and session resume; a known driver keeps their current state.
func (e *Engine) UpsertDriver(ctx context.Context, user *models.User) error {
	if user.Role != types.RoleDriver {
		return types.ErrNotADriver
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.drivers[user.ID]; ok {
		d.Name = user.Name
		d.Rating = user.Rating
		return nil
	}
	e.drivers[user.ID] = &models.DriverState{
		DriverID: user.ID,
		Name:     user.Name,
		Status:   types.DriverOffline,
		Rating:   user.Rating,
		LastSeen: e.now(),
	}
	return nil
}

// SetAvailability flips a driver between offline and available. Changing
// availability during an active trip is rejected, and a driver without a
// known location cannot go available: they would never be matchable.
func (e *Engine) SetAvailability(ctx context.Context, driverID uuid.UUID, available bool) error {
	e.mu.Lock()
	d, ok := e.drivers[driverID]
	if !ok {
		e.mu.Unlock()
		return types.ErrNotADriver
	}
	if d.Status == types.DriverOnTrip {
		e.mu.Unlock()
		return fmt.Errorf("%w: availability is fixed while on a trip", types.ErrInvalidInput)
	}
	if available && d.Geohash == "" {
		e.mu.Unlock()
		return fmt.Errorf("%w: set a location before going available", types.ErrInvalidInput)
	}

	var pushes []push
	if available {
		d.Status = types.DriverAvailable
		d.LastSeen = e.now()
		pushes = e.rematchLocked()
	} else {
		if d.Status == types.DriverEnRoute {
			pushes = e.revertOfferLocked(driverID, true)
		}
		d.Status = types.DriverOffline
	}
	e.mu.Unlock()

	e.deliver(ctx, pushes)
	e.updateDriverGauge()
	return nil
}

// SetLocation updates a driver's position. An available driver may pick up
// newly matchable requests; an on-trip driver's position is relayed to the
// rider as a driver_status push.
func (e *Engine) SetLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	if err := validateLocation(loc); err != nil {
		return err
	}

	e.mu.Lock()
	d, ok := e.drivers[driverID]
	if !ok {
		e.mu.Unlock()
		return types.ErrNotADriver
	}
	d.Location = loc
	d.Geohash = Geohash(loc)
	d.LastSeen = e.now()

	var pushes []push
	switch d.Status {
	case types.DriverAvailable:
		pushes = e.rematchLocked()
	case types.DriverOnTrip:
		if tripID, ok := e.tripByDriver[driverID]; ok {
			trip := e.activeTrips[tripID]
			pushes = append(pushes, push{
				userID:   trip.RiderID,
				pushType: protocol.PushDriverStatus,
				data:     DriverStatusPayload{DriverID: driverID, Status: d.Status, Location: loc},
			})
		}
	}
	e.mu.Unlock()

	e.deliver(ctx, pushes)
	return nil
}

// HandleDisconnect demotes a disconnecting driver. An outstanding offer is
// reverted and rematched; an active trip survives the disconnect.
func (e *Engine) HandleDisconnect(ctx context.Context, userID uuid.UUID) {
	e.mu.Lock()
	d, ok := e.drivers[userID]
	if !ok {
		e.mu.Unlock()
		return
	}

	var pushes []push
	switch d.Status {
	case types.DriverAvailable:
		d.Status = types.DriverOffline
	case types.DriverEnRoute:
		pushes = e.revertOfferLocked(userID, true)
		d.Status = types.DriverOffline
	}
	e.mu.Unlock()

	e.deliver(ctx, pushes)
	e.updateDriverGauge()
}

// ListDrivers returns a snapshot of available drivers, nearest-first when an
// origin is given, best-rated first otherwise.
func (e *Engine) ListDrivers(ctx context.Context, filter models.DriverFilter) []models.DriverState {
	e.mu.Lock()
	out := make([]models.DriverState, 0, len(e.drivers))
	for _, d := range e.drivers {
		if d.Status != types.DriverAvailable {
			continue
		}
		if d.Rating < filter.MinRating {
			continue
		}
		out = append(out, *d)
	}
	e.mu.Unlock()

	if filter.Origin != nil {
		origin := *filter.Origin
		sort.Slice(out, func(i, j int) bool {
			return e.costFn(out[i], origin) < e.costFn(out[j], origin)
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Rating > out[j].Rating })
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

/* ======================= request lifecycle ======================= */

// Submit opens a ride request for the rider and attempts an immediate match.
// A rider may hold at most one open request or active trip at a time.
func (e *Engine) Submit(ctx context.Context, riderID uuid.UUID, pickup, destination models.Location, correlationID string) (*models.RideRequest, error) {
	if err := validateLocation(pickup); err != nil {
		return nil, err
	}
	if err := validateLocation(destination); err != nil {
		return nil, err
	}

	if e.geocoder != nil {
		e.fillAddress(ctx, &pickup)
		e.fillAddress(ctx, &destination)
	}

	req := &models.RideRequest{
		ID:          uuid.New(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: destination,
		Status:      types.RequestPending,
		RequestedAt: e.now(),
	}

	// Reserve the rider slot before the durable write so two concurrent
	// submits cannot both pass the duplicate check.
	e.mu.Lock()
	if _, busy := e.byRider[riderID]; busy {
		e.mu.Unlock()
		return nil, types.ErrDuplicateActiveRequest
	}
	if _, onTrip := e.tripByRider[riderID]; onTrip {
		e.mu.Unlock()
		return nil, types.ErrDuplicateActiveRequest
	}
	e.byRider[riderID] = req.ID
	e.mu.Unlock()

	if err := e.persist(ctx, func() error { return e.requests.Create(ctx, req) }); err != nil {
		e.mu.Lock()
		delete(e.byRider, riderID)
		e.mu.Unlock()
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to store ride request: %v", types.ErrDatabaseFailed, err))
	}

	e.mu.Lock()
	e.open[req.ID] = req
	pushes := e.matchRequestLocked(req)
	result := *req
	e.mu.Unlock()

	e.deliver(ctx, pushes)
	e.publishRideRequested(ctx, &result, correlationID)
	e.updateRequestGauge()

	e.log.Info(wrap.WithLogCtx(ctx, wrap.LogCtx{UserID: riderID.String(), RequestID: req.ID.String()}),
		"ride request submitted")
	return &result, nil
}

// Cancel closes a ride. The rider may cancel at any stage; a matched
// request also cancels the trip and releases the driver. The assigned
// driver may cancel only while matched, which cancels the trip but returns
// the rider's request to the matching queue instead of closing it.
func (e *Engine) Cancel(ctx context.Context, callerID, requestID uuid.UUID) error {
	e.mu.Lock()
	req, ok := e.open[requestID]
	if !ok {
		e.mu.Unlock()
		return types.ErrRequestNotFound
	}
	if req.RiderID != callerID {
		if req.Status == types.RequestMatched && req.DriverID != nil && *req.DriverID == callerID {
			return e.cancelByDriver(ctx, req, callerID)
		}
		e.mu.Unlock()
		return types.ErrUnauthorized
	}

	now := e.now()
	req.Status = types.RequestCancelled
	req.ClosedAt = &now

	var pushes []push
	var cancelledTrip *models.Trip

	if o, offered := e.offers[requestID]; offered {
		e.clearOfferLocked(requestID)
		if d, ok := e.drivers[o.driverID]; ok && d.Status == types.DriverEnRoute {
			d.Status = types.DriverAvailable
		}
		pushes = append(pushes, push{o.driverID, protocol.PushRideCancelled, RideCancelledPayload{RequestID: requestID}})
	}

	if tripID, matched := e.tripByRider[callerID]; matched {
		trip := e.activeTrips[tripID]
		trip.Status = types.TripCancelled
		trip.ClosedAt = &now
		cancelledTrip = trip
		e.dropTripLocked(trip)
		if d, ok := e.drivers[trip.DriverID]; ok {
			d.Status = types.DriverAvailable
		}
		tid := trip.ID
		pushes = append(pushes, push{trip.DriverID, protocol.PushRideCancelled, RideCancelledPayload{RequestID: requestID, TripID: &tid}})
	}

	e.dropRequestLocked(req)
	e.mu.Unlock()

	var err error
	if cancelledTrip != nil {
		err = e.persist(ctx, func() error { return e.trips.RecordTrip(ctx, cancelledTrip, types.RequestCancelled) })
	} else {
		err = e.persist(ctx, func() error {
			return e.requests.UpdateStatus(ctx, requestID, types.RequestCancelled, nil)
		})
	}
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("%w: failed to store cancellation: %v", types.ErrDatabaseFailed, err))
	}

	e.deliver(ctx, pushes)
	e.publishRequestStatus(ctx, req, "")
	if cancelledTrip != nil {
		e.publishTripStatus(ctx, cancelledTrip, "")
	}
	e.updateRequestGauge()
	e.updateDriverGauge()
	metrics.MatchesTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// cancelByDriver is the driver half of Cancel: the trip is recorded as
// cancelled, the request goes back to pending and re-enters matching with
// the cancelling driver excluded. Called with the lock held; releases it.
func (e *Engine) cancelByDriver(ctx context.Context, req *models.RideRequest, driverID uuid.UUID) error {
	requestID := req.ID

	tripID, ok := e.tripByDriver[driverID]
	if !ok {
		e.mu.Unlock()
		return types.ErrStaleMatch
	}

	now := e.now()
	trip := e.activeTrips[tripID]
	trip.Status = types.TripCancelled
	trip.ClosedAt = &now
	e.dropTripLocked(trip)

	req.Status = types.RequestPending
	req.DriverID = nil
	req.MatchedAt = nil

	if d, ok := e.drivers[driverID]; ok && d.Status == types.DriverOnTrip {
		d.Status = types.DriverAvailable
		d.LastSeen = now
	}
	if e.excluded[requestID] == nil {
		e.excluded[requestID] = make(map[uuid.UUID]bool)
	}
	e.excluded[requestID][driverID] = true

	tid := trip.ID
	pushes := []push{{req.RiderID, protocol.PushRideCancelled, RideCancelledPayload{RequestID: requestID, TripID: &tid}}}
	pushes = append(pushes, e.matchRequestLocked(req)...)
	cancelledTrip := *trip
	reqCopy := *req
	e.mu.Unlock()

	if err := e.persist(ctx, func() error {
		return e.trips.RecordTrip(ctx, &cancelledTrip, types.RequestPending)
	}); err != nil {
		return wrap.Error(ctx, fmt.Errorf("%w: failed to store cancellation: %v", types.ErrDatabaseFailed, err))
	}

	e.deliver(ctx, pushes)
	e.publishTripStatus(ctx, &cancelledTrip, "")
	e.publishRequestStatus(ctx, &reqCopy, "")
	e.updateRequestGauge()
	e.updateDriverGauge()
	metrics.MatchesTotal.WithLabelValues("cancelled").Inc()

	e.log.Info(wrap.WithLogCtx(ctx, wrap.LogCtx{
		UserID:    driverID.String(),
		RequestID: requestID.String(),
	}), "trip cancelled by driver, request requeued")
	return nil
}

/* ======================= offer lifecycle ======================= */

// Accept claims an offered request. Only the driver holding the current
// offer may accept; everyone else gets ErrStaleMatch. A repeated accept by
// the winning driver returns the already-created trip.
func (e *Engine) Accept(ctx context.Context, driverID, requestID uuid.UUID) (*models.Trip, error) {
	e.mu.Lock()
	req, ok := e.open[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, types.ErrStaleMatch
	}

	if req.Status == types.RequestMatched {
		// Reconnecting winner retries the accept.
		if req.DriverID != nil && *req.DriverID == driverID {
			if tripID, ok := e.tripByDriver[driverID]; ok {
				trip := *e.activeTrips[tripID]
				e.mu.Unlock()
				return &trip, nil
			}
		}
		e.mu.Unlock()
		return nil, types.ErrStaleMatch
	}

	o, offered := e.offers[requestID]
	if !offered || o.driverID != driverID {
		e.mu.Unlock()
		return nil, types.ErrStaleMatch
	}

	now := e.now()
	trip := &models.Trip{
		ID:          uuid.New(),
		RequestID:   requestID,
		DriverID:    driverID,
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Status:      types.TripInProgress,
		StartedAt:   now,
	}

	e.clearOfferLocked(requestID)
	req.Status = types.RequestMatched
	req.DriverID = &driverID
	req.MatchedAt = &now
	e.activeTrips[trip.ID] = trip
	e.tripByDriver[driverID] = trip.ID
	e.tripByRider[req.RiderID] = trip.ID

	d := e.drivers[driverID]
	d.Status = types.DriverOnTrip
	d.LastSeen = now

	assigned := push{
		userID:   req.RiderID,
		pushType: protocol.PushDriverAssigned,
		data: DriverAssignedPayload{
			RequestID:  requestID,
			TripID:     trip.ID,
			DriverID:   driverID,
			DriverName: d.Name,
			Rating:     d.Rating,
			Location:   d.Location,
		},
	}
	result := *trip
	reqCopy := *req
	e.mu.Unlock()

	if err := e.persist(ctx, func() error {
		return e.requests.UpdateStatus(ctx, requestID, types.RequestMatched, &driverID)
	}); err != nil {
		e.rollbackAccept(trip)
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to store match: %v", types.ErrDatabaseFailed, err))
	}

	e.deliver(ctx, []push{assigned})
	e.publishRequestStatus(ctx, &reqCopy, "")
	metrics.MatchesTotal.WithLabelValues("accepted").Inc()
	e.updateDriverGauge()

	e.log.Info(wrap.WithLogCtx(ctx, wrap.LogCtx{
		Action:    types.ActionMatchAccepted,
		UserID:    driverID.String(),
		RequestID: requestID.String(),
	}), "ride offer accepted")
	return &result, nil
}

// rollbackAccept undoes an accept whose durable write failed: the request
// returns to pending and the driver to available, so the sweep can retry
// the match.
func (e *Engine) rollbackAccept(trip *models.Trip) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req, ok := e.open[trip.RequestID]; ok {
		req.Status = types.RequestPending
		req.DriverID = nil
		req.MatchedAt = nil
	}
	e.dropTripLocked(trip)
	if d, ok := e.drivers[trip.DriverID]; ok && d.Status == types.DriverOnTrip {
		d.Status = types.DriverAvailable
	}
}

// Decline refuses an offer. The declining driver is excluded from this
// request and the next candidate, if any, is offered immediately.
func (e *Engine) Decline(ctx context.Context, driverID, requestID uuid.UUID) error {
	e.mu.Lock()
	o, offered := e.offers[requestID]
	if !offered || o.driverID != driverID {
		e.mu.Unlock()
		return types.ErrStaleMatch
	}

	pushes := e.revertOfferLocked(driverID, true)
	e.mu.Unlock()

	e.deliver(ctx, pushes)
	metrics.MatchesTotal.WithLabelValues("declined").Inc()

	e.log.Info(wrap.WithLogCtx(ctx, wrap.LogCtx{
		Action:    types.ActionMatchDeclined,
		UserID:    driverID.String(),
		RequestID: requestID.String(),
	}), "ride offer declined")
	return nil
}

/* ======================= trip lifecycle ======================= */

// Complete finishes the driver's active trip: the only operation that
// records a trip durably, in the same transaction that closes the request.
func (e *Engine) Complete(ctx context.Context, driverID, tripID uuid.UUID) (*models.Trip, error) {
	e.mu.Lock()
	trip, ok := e.activeTrips[tripID]
	if !ok {
		e.mu.Unlock()
		return nil, types.ErrTripNotFound
	}
	if trip.DriverID != driverID {
		e.mu.Unlock()
		return nil, types.ErrUnauthorized
	}

	now := e.now()
	trip.Status = types.TripCompleted
	trip.ClosedAt = &now
	e.dropTripLocked(trip)

	if req, ok := e.open[trip.RequestID]; ok {
		req.Status = types.RequestCompleted
		req.ClosedAt = &now
		e.dropRequestLocked(req)
	}

	d := e.drivers[driverID]
	d.Status = types.DriverAvailable
	d.LastSeen = now

	completed := push{trip.RiderID, protocol.PushTripCompleted, TripCompletedPayload{TripID: tripID, RequestID: trip.RequestID}}
	result := *trip
	e.mu.Unlock()

	if err := e.persist(ctx, func() error {
		return e.trips.RecordTrip(ctx, &result, types.RequestCompleted)
	}); err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("%w: failed to record trip: %v", types.ErrDatabaseFailed, err))
	}

	e.deliver(ctx, []push{completed})
	e.publishTripStatus(ctx, &result, "")
	metrics.MatchesTotal.WithLabelValues("completed").Inc()
	e.updateRequestGauge()
	e.updateDriverGauge()
	return &result, nil
}

// Rate lets the rider score a completed trip once. The driver's running
// average is updated through the gateway and mirrored into the live table.
func (e *Engine) Rate(ctx context.Context, riderID, tripID uuid.UUID, rating float64, comment string) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", types.ErrInvalidInput)
	}

	trip, err := e.trips.GetByID(ctx, tripID)
	if err != nil {
		if errors.Is(err, types.ErrTripNotFound) {
			return types.ErrTripNotFound
		}
		return wrap.Error(ctx, fmt.Errorf("failed to load trip: %w", err))
	}
	if trip.RiderID != riderID {
		return types.ErrUnauthorized
	}
	if trip.Status != types.TripCompleted {
		return types.ErrTripNotActive
	}
	if trip.RiderRating != nil {
		return types.ErrAlreadyRated
	}

	if err := e.trips.SaveRating(ctx, tripID, rating, comment); err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to save rating: %w", err))
	}

	newAvg, err := e.ratings.ApplyTripRating(ctx, trip.DriverID, rating)
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to update driver rating: %w", err))
	}

	e.mu.Lock()
	if d, ok := e.drivers[trip.DriverID]; ok {
		d.Rating = newAvg
	}
	e.mu.Unlock()

	e.log.Info(wrap.WithUserID(ctx, riderID.String()), "trip rated", "trip_id", tripID.String(), "rating", rating)
	return nil
}

// ListTrips reads the caller's trip history through the gateway.
func (e *Engine) ListTrips(ctx context.Context, userID uuid.UUID, filter models.TripFilter) ([]models.Trip, error) {
	out, err := e.trips.List(ctx, userID, filter)
	if err != nil {
		return nil, wrap.Error(ctx, fmt.Errorf("failed to list trips: %w", err))
	}
	return out, nil
}

// Participants resolves a conversation key (request or trip id) to its two
// parties, using live state only.
func (e *Engine) Participants(key uuid.UUID) (rider, driver uuid.UUID, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req, found := e.open[key]; found {
		if o, offered := e.offers[key]; offered {
			return req.RiderID, o.driverID, true
		}
		if req.DriverID != nil {
			return req.RiderID, *req.DriverID, true
		}
		return uuid.Nil, uuid.Nil, false
	}
	if trip, found := e.activeTrips[key]; found {
		return trip.RiderID, trip.DriverID, true
	}
	return uuid.Nil, uuid.Nil, false
}

/* ======================= matching internals ======================= */

// matchRequestLocked offers req to the cheapest eligible driver, if any.
func (e *Engine) matchRequestLocked(req *models.RideRequest) []push {
	if req.Status != types.RequestPending {
		return nil
	}
	if _, offered := e.offers[req.ID]; offered {
		return nil
	}

	best := e.pickDriverLocked(req)
	if best == nil {
		return nil
	}

	now := e.now()
	best.Status = types.DriverEnRoute
	e.offers[req.ID] = offer{driverID: best.DriverID, offeredAt: now}
	e.offerByDriver[best.DriverID] = req.ID
	metrics.MatchesTotal.WithLabelValues("offered").Inc()

	return []push{{
		userID:   best.DriverID,
		pushType: protocol.PushRideOffer,
		data: RideOfferPayload{
			RequestID:   req.ID,
			Pickup:      req.Pickup,
			Destination: req.Destination,
			ExpiresAt:   now.Add(e.cfg.OfferTTL),
		},
	}}
}

// pickDriverLocked scores available drivers against the pickup point.
// Drivers inside the pickup's geohash neighborhood are preferred; when the
// neighborhood is empty every available driver is considered.
func (e *Engine) pickDriverLocked(req *models.RideRequest) *models.DriverState {
	var near, far []*models.DriverState
	for _, d := range e.drivers {
		if d.Status != types.DriverAvailable {
			continue
		}
		if e.excluded[req.ID][d.DriverID] {
			continue
		}
		if nearCell(d.Geohash, req.Pickup) {
			near = append(near, d)
		} else if d.Geohash != "" {
			far = append(far, d)
		}
	}

	candidates := near
	if len(candidates) == 0 {
		candidates = far
	}

	var best *models.DriverState
	var bestCost float64
	for _, d := range candidates {
		cost := e.costFn(*d, req.Pickup)
		if best == nil || cost < bestCost ||
			(cost == bestCost && d.LastSeen.Before(best.LastSeen)) {
			best = d
			bestCost = cost
		}
	}
	return best
}

// rematchLocked retries every pending request without an outstanding offer.
func (e *Engine) rematchLocked() []push {
	var pushes []push
	for _, req := range e.open {
		pushes = append(pushes, e.matchRequestLocked(req)...)
	}
	return pushes
}

// revertOfferLocked releases the driver's outstanding offer. With exclude
// set the driver will not be offered the same request again.
func (e *Engine) revertOfferLocked(driverID uuid.UUID, exclude bool) []push {
	requestID, ok := e.offerByDriver[driverID]
	if !ok {
		return nil
	}
	e.clearOfferLocked(requestID)

	if d, ok := e.drivers[driverID]; ok && d.Status == types.DriverEnRoute {
		d.Status = types.DriverAvailable
	}
	if exclude {
		if e.excluded[requestID] == nil {
			e.excluded[requestID] = make(map[uuid.UUID]bool)
		}
		e.excluded[requestID][driverID] = true
	}

	if req, ok := e.open[requestID]; ok {
		return e.matchRequestLocked(req)
	}
	return nil
}

func (e *Engine) clearOfferLocked(requestID uuid.UUID) {
	if o, ok := e.offers[requestID]; ok {
		delete(e.offerByDriver, o.driverID)
		delete(e.offers, requestID)
	}
}

func (e *Engine) dropRequestLocked(req *models.RideRequest) {
	e.clearOfferLocked(req.ID)
	delete(e.open, req.ID)
	delete(e.excluded, req.ID)
	if id, ok := e.byRider[req.RiderID]; ok && id == req.ID {
		delete(e.byRider, req.RiderID)
	}
}

func (e *Engine) dropTripLocked(trip *models.Trip) {
	delete(e.activeTrips, trip.ID)
	if id, ok := e.tripByDriver[trip.DriverID]; ok && id == trip.ID {
		delete(e.tripByDriver, trip.DriverID)
	}
	if id, ok := e.tripByRider[trip.RiderID]; ok && id == trip.ID {
		delete(e.tripByRider, trip.RiderID)
	}
}

/* ======================= sweep ======================= */

// Run drives the periodic sweep until ctx is cancelled: offer timeouts,
// request expiry and the availability snapshot.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass. Exported so tests can trigger it
// without waiting for the ticker.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	var pushes []push

	// Timed-out offers count as declines.
	for requestID, o := range e.offers {
		if now.Sub(o.offeredAt) >= e.cfg.OfferTTL {
			pushes = append(pushes, e.revertOfferLocked(o.driverID, true)...)
			e.log.Debug(wrap.WithRequestID(ctx, requestID.String()), "ride offer timed out")
		}
	}

	// Expire requests that waited out the window.
	var expired []*models.RideRequest
	for _, req := range e.open {
		if req.Status != types.RequestPending {
			continue
		}
		if _, offered := e.offers[req.ID]; offered {
			continue
		}
		if now.Sub(req.RequestedAt) >= e.cfg.RequestTTL {
			req.Status = types.RequestExpired
			req.ClosedAt = &now
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		e.dropRequestLocked(req)
		pushes = append(pushes, push{req.RiderID, protocol.PushRequestExpired, RequestExpiredPayload{RequestID: req.ID}})
	}

	pushes = append(pushes, e.rematchLocked()...)

	snapshot := make([]models.DriverState, 0, len(e.drivers))
	for _, d := range e.drivers {
		snapshot = append(snapshot, *d)
	}
	e.mu.Unlock()

	for _, req := range expired {
		if err := e.persist(ctx, func() error {
			return e.requests.UpdateStatus(ctx, req.ID, types.RequestExpired, nil)
		}); err != nil {
			e.log.Error(wrap.WithAction(ctx, types.ActionRequestExpired), "failed to store request expiry", err,
				"request_id", req.ID.String())
		}
		e.publishRequestStatus(ctx, req, "")
		e.log.Info(wrap.WithLogCtx(ctx, wrap.LogCtx{
			Action:    types.ActionRequestExpired,
			UserID:    req.RiderID.String(),
			RequestID: req.ID.String(),
		}), "ride request expired")
	}

	if err := e.availability.Snapshot(ctx, snapshot); err != nil {
		e.log.Warn(ctx, "failed to snapshot driver availability", "error", err.Error())
	}

	e.deliver(ctx, pushes)
	e.updateRequestGauge()
	e.updateDriverGauge()
}

// Restore reloads open ride requests from the gateway after a restart.
// Matched requests without a live trip are reopened as pending.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.requests.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open ride requests: %w", err)
	}

	e.mu.Lock()
	for i := range open {
		req := open[i]
		req.Status = types.RequestPending
		req.DriverID = nil
		req.MatchedAt = nil
		e.open[req.ID] = &req
		e.byRider[req.RiderID] = req.ID
	}
	e.mu.Unlock()

	e.log.Info(ctx, "restored open ride requests", "count", len(open))
	e.updateRequestGauge()
	return nil
}

/* ======================= helpers ======================= */

// fillAddress reverse-geocodes a point that arrived without an address.
// Lookup failures are logged; the coordinates stand on their own.
func (e *Engine) fillAddress(ctx context.Context, loc *models.Location) {
	if loc.Address != "" {
		return
	}
	addr, err := e.geocoder.GetAddress(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		e.log.Warn(ctx, "reverse geocoding failed", "error", err.Error())
		return
	}
	loc.Address = addr
}

// persist retries transient gateway failures a bounded number of times.
func (e *Engine) persist(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < e.cfg.PersistAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.PersistBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func (e *Engine) publishRideRequested(ctx context.Context, req *models.RideRequest, correlationID string) {
	msg := models.RideRequestedMessage{
		RequestID:     req.ID,
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		RequestedAt:   req.RequestedAt,
		CorrelationID: correlationID,
	}
	if err := e.publisher.RideRequested(ctx, msg); err != nil {
		e.log.Warn(ctx, "failed to publish ride requested event", "error", err.Error())
	}
}

func (e *Engine) publishRequestStatus(ctx context.Context, req *models.RideRequest, correlationID string) {
	msg := models.RequestStatusMessage{
		RequestID:     req.ID,
		Status:        req.Status,
		DriverID:      req.DriverID,
		Timestamp:     e.now(),
		CorrelationID: correlationID,
	}
	if err := e.publisher.RequestStatusChanged(ctx, msg); err != nil {
		e.log.Warn(ctx, "failed to publish request status event", "error", err.Error())
	}
}

func (e *Engine) publishTripStatus(ctx context.Context, trip *models.Trip, correlationID string) {
	msg := models.TripStatusMessage{
		TripID:        trip.ID,
		RequestID:     trip.RequestID,
		DriverID:      trip.DriverID,
		RiderID:       trip.RiderID,
		Status:        trip.Status,
		Timestamp:     e.now(),
		CorrelationID: correlationID,
	}
	if err := e.publisher.TripStatusChanged(ctx, msg); err != nil {
		e.log.Warn(ctx, "failed to publish trip status event", "error", err.Error())
	}
}

func (e *Engine) updateRequestGauge() {
	e.mu.Lock()
	open := len(e.open)
	trips := len(e.activeTrips)
	e.mu.Unlock()
	metrics.ActiveRequestsGauge.Set(float64(open))
	metrics.ActiveTripsGauge.Set(float64(trips))
}

func (e *Engine) updateDriverGauge() {
	e.mu.Lock()
	online := 0
	for _, d := range e.drivers {
		if d.Status != types.DriverOffline {
			online++
		}
	}
	e.mu.Unlock()
	metrics.DriversOnlineGauge.Set(float64(online))
}

func validateLocation(loc models.Location) error {
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", types.ErrInvalidInput)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", types.ErrInvalidInput)
	}
	return nil
}
