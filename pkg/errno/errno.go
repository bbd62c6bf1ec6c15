package errno

import "errors"

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var typed Errno
	if errors.As(err, &typed) {
		return typed.Code, typed.Message
	}
	var ptr *Errno
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Message
	}
	return InternalServerError.Code, err.Error()
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrInvalidParam     = Errno{Code: 10003, Message: "Invalid parameter"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
	ErrCache            = Errno{Code: 10005, Message: "Cache error"}
)

// Pool Errors (30000+)
var (
	ErrPoolNotFound         = Errno{Code: 30101, Message: "Pool not found"}
	ErrPoolNotActive        = Errno{Code: 30102, Message: "Pool is not active"}
	ErrInvalidPoolConfig    = Errno{Code: 30103, Message: "Invalid pool configuration"}
	ErrInvalidAmount        = Errno{Code: 30104, Message: "Invalid amount"}
	ErrInsufficientBalance  = Errno{Code: 30105, Message: "Insufficient balance"}
	ErrInvariantViolation   = Errno{Code: 30106, Message: "Pool capital invariant violated"}
	ErrPoolClosed           = Errno{Code: 30107, Message: "Pool is closed"}
	ErrInvalidOperation     = Errno{Code: 30108, Message: "Invalid balance operation"}
	ErrInsufficientDeployed = Errno{Code: 30109, Message: "Deployed capital is lower than the amount"}
	ErrLockNotAcquired      = Errno{Code: 30201, Message: "Could not acquire pool lock"}
	ErrInsufficientCapital  = Errno{Code: 30301, Message: "Insufficient capital for reservation"}
	ErrReservationNotFound  = Errno{Code: 30302, Message: "Reservation not found"}
	ErrReservationExpired   = Errno{Code: 30303, Message: "Reservation expired"}
	ErrReservationInactive  = Errno{Code: 30304, Message: "Reservation is not active"}
	ErrDisbursementNotFound = Errno{Code: 30305, Message: "No disbursement recorded for reserved advance"}
)
