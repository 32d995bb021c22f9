package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultDurationSeconds = 60
	DefaultLanguage        = "English"
	DefaultTone            = "professional"
)

// ConceptBrief 用户提交的视频概念
type ConceptBrief struct {
	Title           string   `json:"title" validate:"required,max=200"`
	Brief           string   `json:"brief" validate:"required"`
	TargetAudience  string   `json:"target_audience"`
	DurationSeconds int      `json:"duration_seconds" validate:"min=10,max=600"`
	Language        string   `json:"language"`
	Tone            string   `json:"tone" validate:"omitempty,oneof=professional casual humorous emotional educational"`
	Style           string   `json:"style"`
	CharacterIDs    []string `json:"character_ids" validate:"dive,required"`
	ExportFormats   []string `json:"export_formats" validate:"dive,export_format"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("export_format", func(fl validator.FieldLevel) bool {
		_, ok := ExportFormats[fl.Field().String()]
		return ok
	})
	return v
}

// Normalize 填充默认值
func (b *ConceptBrief) Normalize() {
	b.Title = strings.TrimSpace(b.Title)
	b.Brief = strings.TrimSpace(b.Brief)
	if b.DurationSeconds == 0 {
		b.DurationSeconds = DefaultDurationSeconds
	}
	if b.Language == "" {
		b.Language = DefaultLanguage
	}
	if b.Tone == "" {
		b.Tone = DefaultTone
	}
	b.Tone = strings.ToLower(b.Tone)
	if b.TargetAudience == "" {
		b.TargetAudience = "General"
	}
}

// Validate 校验 brief，调用前应先 Normalize
func (b *ConceptBrief) Validate() error {
	if err := validate.Struct(b); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid brief: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid brief: %w", err)
	}
	return nil
}
