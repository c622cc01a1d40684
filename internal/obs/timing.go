package obs

import (
	"context"
	"log"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Time logs the duration of an operation. Use as:
//
//	defer obs.Time(ctx, "route.build")(&err)
func Time(ctx context.Context, name string) func(errp *error) {
	start := time.Now()
	reqID := chimiddleware.GetReqID(ctx)

	return func(errp *error) {
		dur := time.Since(start)

		if errp != nil && *errp != nil {
			log.Printf("req_id=%s op=%s dur=%dms err=%v", reqID, name, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("req_id=%s op=%s dur=%dms", reqID, name, dur.Milliseconds())
	}
}
