// Package handlers contains the fiber route handlers.
package handlers

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"texbot/internal/config"
	"texbot/internal/infra/chrome"
	"texbot/internal/infra/logging"
	"texbot/internal/tex"
	"texbot/internal/typeset"
)

// MaxFormulaBytes bounds the formula accepted over HTTP.
const MaxFormulaBytes = 4096

// RenderService renders previews of formulas with the live plugin settings.
type RenderService struct {
	renderer *tex.Renderer
	settings func() config.PluginConfig
}

func NewRenderService(renderer *tex.Renderer, settings func() config.PluginConfig) *RenderService {
	return &RenderService{renderer: renderer, settings: settings}
}

// HandleRender renders the form field "formula" and returns the primary
// image, or the thumbnail when ?thumbnail=true. The optional form field
// "mode" overrides the configured output mode.
func (s *RenderService) HandleRender(c *fiber.Ctx) error {
	formula := c.FormValue("formula")
	if len(formula) > MaxFormulaBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("formula exceeds %d bytes", MaxFormulaBytes))
	}

	settings := s.settings()
	if mode := c.FormValue("mode"); mode != "" {
		if mode != config.ModeSVG && mode != config.ModePNG {
			return fiber.NewError(fiber.StatusBadRequest, "mode must be svg or png")
		}
		settings.Mode = mode
	}

	img, err := s.renderer.Render(c.UserContext(), tex.NewRequest(formula, settings))
	if err != nil {
		if errors.Is(err, typeset.ErrInvalidFormula) {
			return fiber.NewError(fiber.StatusUnprocessableEntity, tex.UserMessage(err))
		}
		logging.Error("Render failed", "request_id", c.GetRespHeader(fiber.HeaderXRequestID), "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, tex.UserMessage(err))
	}

	out, name := img, img.FileName()
	if c.QueryBool("thumbnail", false) {
		out, name = img.Thumbnail, tex.ThumbnailFileName
	}
	c.Set(fiber.HeaderContentType, out.MimeType)
	c.Set(fiber.HeaderContentDisposition, `inline; filename="`+name+`"`)
	c.Set("X-Image-Width", strconv.Itoa(out.Width))
	c.Set("X-Image-Height", strconv.Itoa(out.Height))
	return c.Send(out.Data)
}

// HandleChromeStats reports the browser pool. A nil pool reports disabled.
func HandleChromeStats(pool *chrome.Pool, timeoutSecs int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if pool == nil {
			return c.JSON(chrome.Stats{Enabled: false, TimeoutSecs: timeoutSecs})
		}
		return c.JSON(pool.Stats(timeoutSecs))
	}
}
