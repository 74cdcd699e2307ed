package types

// Enum for user roles
type UserRole string

func (r UserRole) String() string {
	return string(r)
}

const (
	RoleRider  UserRole = "RIDER"
	RoleDriver UserRole = "DRIVER"
)

// ValidRole reports whether the given string names a known role.
func ValidRole(s string) bool {
	switch UserRole(s) {
	case RoleRider, RoleDriver:
		return true
	default:
		return false
	}
}

// Enum for user account status. Accounts are never hard-deleted,
// deactivation flips the status instead.
type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserInactive UserStatus = "INACTIVE"
)

// Enum for driver availability
type DriverStatus string

const (
	DriverOffline   DriverStatus = "OFFLINE"
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverEnRoute   DriverStatus = "EN_ROUTE"
	DriverOnTrip    DriverStatus = "ON_TRIP"
)

// Enum for ride request lifecycle
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestMatched   RequestStatus = "MATCHED"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// Terminal reports whether s is a terminal request state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestCancelled, RequestExpired:
		return true
	default:
		return false
	}
}

// Enum for trip lifecycle
type TripStatus string

const (
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)
