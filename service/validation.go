package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zlnvch/inkroom/models"
)

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

const (
	minSize      = 1
	maxSize      = 100
	defaultSize  = 2
	defaultColor = "#ffffff"

	maxCoordinate   = 10000
	maxStrokePoints = 5000
	maxRadius       = 10000

	maxTextLength   = 500
	minFontSize     = 6
	maxFontSize     = 200
	defaultFontSize = 20

	maxRoomIdLength = 128
)

// ValidateAction checks a client supplied payload against the schema of its
// action type and returns the canonical encoding that gets stored. Unknown
// fields are dropped and omitted style fields get their defaults.
func ValidateAction(actionType models.ActionType, raw json.RawMessage) (json.RawMessage, error) {
	switch actionType {
	case models.ActionPen, models.ActionEraser:
		var p models.StrokePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if err := validateStyle(&p.Color, &p.Size); err != nil {
			return nil, err
		}
		if len(p.Points) == 0 {
			return nil, ValidationError("stroke has no points")
		}
		if len(p.Points) > maxStrokePoints {
			return nil, ValidationError("stroke too long")
		}
		for _, pt := range p.Points {
			if !inBounds(pt.X, pt.Y) {
				return nil, ValidationError("point out of bounds")
			}
		}
		return canonical(p)

	case models.ActionRectangle, models.ActionFilledRectangle:
		var p models.RectanglePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if err := validateStyle(&p.Color, &p.Size); err != nil {
			return nil, err
		}
		if !inBounds(p.X, p.Y, p.Width, p.Height) {
			return nil, ValidationError("rectangle out of bounds")
		}
		return canonical(p)

	case models.ActionCircle, models.ActionFilledCircle:
		var p models.CirclePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if err := validateStyle(&p.Color, &p.Size); err != nil {
			return nil, err
		}
		if !inBounds(p.X, p.Y) {
			return nil, ValidationError("circle out of bounds")
		}
		if p.Radius < 0 || p.Radius > maxRadius {
			return nil, ValidationError("invalid radius")
		}
		return canonical(p)

	case models.ActionText:
		var p models.TextPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, ValidationError("text is empty")
		}
		if utf8.RuneCountInString(p.Text) > maxTextLength {
			return nil, ValidationError("text too long")
		}
		if p.Color == "" {
			p.Color = defaultColor
		}
		if !hexColorRegex.MatchString(p.Color) {
			return nil, ValidationError("invalid color")
		}
		if p.FontSize == 0 {
			p.FontSize = defaultFontSize
		}
		if p.FontSize < minFontSize || p.FontSize > maxFontSize {
			return nil, ValidationError("invalid font size")
		}
		if !inBounds(p.X, p.Y) {
			return nil, ValidationError("text out of bounds")
		}
		return canonical(p)

	case models.ActionClear:
		return nil, ValidationError("clear is not a mutation; send a clear request")

	default:
		return nil, ValidationError(fmt.Sprintf("unknown action type %q", actionType))
	}
}

func ValidateRoomId(roomId string) error {
	if roomId == "" {
		return ValidationError("roomId is required")
	}
	if len(roomId) > maxRoomIdLength || strings.ContainsAny(roomId, " #/\\") {
		return ValidationError("invalid roomId")
	}
	return nil
}

// decodePayload reads the typed fields of an action. Other keys, such as the
// wire envelope's type, are ignored and so never reach the stored payload.
func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ValidationError("action payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ValidationError("invalid action payload")
	}
	return nil
}

func validateStyle(color *string, size *float64) error {
	if *color == "" {
		*color = defaultColor
	}
	if !hexColorRegex.MatchString(*color) {
		return ValidationError("invalid color")
	}
	if *size == 0 {
		*size = defaultSize
	}
	if *size < minSize || *size > maxSize {
		return ValidationError("invalid size")
	}
	return nil
}

func inBounds(values ...float64) bool {
	for _, v := range values {
		if v < -maxCoordinate || v > maxCoordinate {
			return false
		}
	}
	return true
}

func canonical(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, InternalError(err)
	}
	return b, nil
}
