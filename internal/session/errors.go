package session

import (
	"fmt"
	"log"

	"trade-session/internal/events"
)

// BrokerError is a non-benign broker error code.
type BrokerError struct {
	ReqID   int64  `json:"req_id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e BrokerError) Error() string {
	return fmt.Sprintf("broker error %d (req %d): %s", e.Code, e.ReqID, e.Message)
}

// benignCodes are informational codes that never reach the error channel.
var benignCodes = map[int]struct{}{
	202:   {}, // order canceled
	2104:  {}, // market data farm connection is OK
	2106:  {}, // HMDS data farm connection is OK
	2107:  {}, // HMDS data farm connection is inactive but available
	2108:  {}, // market data farm connection is inactive but available
	2109:  {}, // order event warning: outside regular trading hours
	2119:  {}, // market data farm is connecting
	2158:  {}, // sec-def data farm connection is OK
	10167: {}, // displaying delayed market data
}

// Benign reports whether code is suppressed.
func Benign(code int) bool {
	_, ok := benignCodes[code]
	return ok
}

func (s *Session) handleError(ev events.ErrorReceived) {
	if Benign(ev.Code) {
		return
	}
	s.metrics.IncrementErrors()
	be := BrokerError{ReqID: ev.ReqID, Code: ev.Code, Message: ev.Message}
	log.Printf("session: %v", be)

	select {
	case s.errs <- be:
	default:
		log.Printf("session: error channel full, dropping code %d", ev.Code)
	}
	s.pub.Publish(events.TopicBrokerError, be)
}
