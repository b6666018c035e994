package transport

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/kursadbilgin/fanout/internal/observability"
)

const (
	requestIDLocal  = "requestid"
	maxRequestIDLen = 64
)

// RequestID echoes X-Request-ID or assigns a new one.
func RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		Generator:  uuid.NewString,
		ContextKey: requestIDLocal,
	})
}

// RequestContext copies the request id onto the user context, where it is
// logged and stored with any report the request produces. It must run after
// RequestID. Ids longer than the stored column allows are replaced.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, _ := c.Locals(requestIDLocal).(string)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
			c.Locals(requestIDLocal, id)
			c.Set(fiber.HeaderXRequestID, id)
		}
		// Header values are only valid for the request; the id outlives it.
		id = utils.CopyString(id)
		c.SetUserContext(observability.WithRequestID(c.UserContext(), id))
		return c.Next()
	}
}
