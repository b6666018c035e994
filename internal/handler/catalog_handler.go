package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/fanout/internal/registry"
)

// ServiceCatalog lists the registered notification services.
type ServiceCatalog interface {
	All() []registry.Entry
}

type serviceResponse struct {
	Scheme              string   `json:"scheme"`
	Name                string   `json:"name"`
	MaxBodyLength       int      `json:"max_body_length"`
	MaxTitleLength      int      `json:"max_title_length"`
	SupportsTitle       bool     `json:"supports_title"`
	SupportsAttachments bool     `json:"supports_attachments"`
	BodyFormats         []string `json:"body_formats"`
	DefaultThrottleMS   int64    `json:"default_throttle_ms"`
}

func RegisterCatalogRoutes(router fiber.Router, catalog ServiceCatalog) error {
	if catalog == nil {
		return fmt.Errorf("service catalog is required")
	}

	router.Get("/v1/services", func(c *fiber.Ctx) error {
		entries := catalog.All()
		data := make([]serviceResponse, 0, len(entries))
		for _, e := range entries {
			data = append(data, toServiceResponse(e))
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
	})
	return nil
}

func toServiceResponse(e registry.Entry) serviceResponse {
	caps := e.Descriptor.Capabilities
	formats := make([]string, 0, len(caps.BodyFormats))
	for _, f := range caps.BodyFormats {
		formats = append(formats, f.String())
	}
	if len(formats) == 0 {
		formats = append(formats, "text")
	}

	return serviceResponse{
		Scheme:              e.Scheme,
		Name:                e.Descriptor.Name,
		MaxBodyLength:       caps.MaxBodyLength,
		MaxTitleLength:      caps.MaxTitleLength,
		SupportsTitle:       caps.SupportsTitle,
		SupportsAttachments: caps.SupportsAttachments,
		BodyFormats:         formats,
		DefaultThrottleMS:   caps.DefaultThrottle.Milliseconds(),
	}
}
