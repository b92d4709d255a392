package template

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

const (
	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

type Service struct {
	repo  repository.TemplateRepository
	cache *gocache.Cache
}

func NewService(repo repository.TemplateRepository) *Service {
	return &Service{
		repo:  repo,
		cache: gocache.New(cacheTTL, cacheCleanup),
	}
}

func (s *Service) Create(ctx context.Context, req *model.CreateTemplateRequest) (*model.Template, error) {
	tmpl := &model.Template{
		Name:            req.Name,
		Category:        req.Category,
		Channels:        req.Channels,
		Content:         req.Content,
		Variables:       req.Variables,
		RequiresConsent: req.RequiresConsent,
		Variants:        req.Variants,
	}
	if err := s.validateDefinition(tmpl); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return tmpl, nil
}

// Publish freezes the template. Definition problems (undeclared
// placeholders, broken variant weights) are rejected here, never at send
// time.
func (s *Service) Publish(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	tmpl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, apperrors.InvalidTemplate("template not found", err)
	}
	if tmpl.Status == model.TemplateStatusPublished {
		return nil, apperrors.New(apperrors.CodeConflict, "template already published", nil)
	}
	if err := s.validateDefinition(tmpl); err != nil {
		return nil, err
	}
	if err := s.repo.Publish(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to publish template: %w", err)
	}
	s.cache.Delete(id.String())
	return s.repo.Get(ctx, id)
}

// GetPublished returns a published template, serving repeated sends from
// the in-process cache.
func (s *Service) GetPublished(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	if cached, ok := s.cache.Get(id.String()); ok {
		return cached.(*model.Template), nil
	}

	tmpl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, apperrors.InvalidTemplate(fmt.Sprintf("template %s not found", id), err)
	}
	if tmpl.Status != model.TemplateStatusPublished {
		return nil, apperrors.InvalidTemplate(fmt.Sprintf("template %s is not published", id), nil)
	}

	s.cache.Set(id.String(), tmpl, gocache.DefaultExpiration)
	return tmpl, nil
}

func (s *Service) List(ctx context.Context) ([]*model.Template, error) {
	return s.repo.List(ctx)
}

// Render builds the channel payload for one message, validating supplied
// variables against the declaration and substituting placeholders.
func (s *Service) Render(tmpl *model.Template, ch model.Channel, messageID uuid.UUID, vars map[string]string) (*model.MessagePayload, *string, error) {
	resolved, err := resolveVariables(tmpl, vars)
	if err != nil {
		return nil, nil, err
	}

	content, variantID := pickContent(tmpl, ch, messageID)
	if content == nil {
		return nil, nil, apperrors.InvalidTemplate(fmt.Sprintf("template %s has no content for channel %s", tmpl.ID, ch), nil)
	}

	payload := &model.MessagePayload{
		Subject:   substitute(content.Subject, resolved),
		Body:      substitute(content.Body, resolved),
		CTAText:   substitute(content.CTAText, resolved),
		CTAURL:    substitute(content.CTAURL, resolved),
		Variables: resolved,
	}
	return payload, variantID, nil
}

// pickContent selects the A/B variant for messageID, deterministic so a
// retried message keeps its variant.
func pickContent(tmpl *model.Template, ch model.Channel, messageID uuid.UUID) (*model.ChannelContent, *string) {
	base, ok := tmpl.Content[ch]
	if !ok {
		return nil, nil
	}
	if len(tmpl.Variants) == 0 {
		return &base, nil
	}

	h := fnv.New32a()
	h.Write(messageID[:])
	bucket := int(h.Sum32() % 100)

	cumulative := 0
	for i := range tmpl.Variants {
		cumulative += tmpl.Variants[i].Weight
		if bucket < cumulative {
			if content, ok := tmpl.Variants[i].Content[ch]; ok {
				id := tmpl.Variants[i].ID
				return &content, &id
			}
			// Variant without content for this channel falls back to base.
			id := tmpl.Variants[i].ID
			return &base, &id
		}
	}
	return &base, nil
}

// resolveVariables checks supplied values against the declaration and fills
// defaults. Names the template never declared are ignored: callers such as
// the journey engine pass their whole context and only the declared subset
// reaches the payload.
func resolveVariables(tmpl *model.Template, vars map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(tmpl.Variables))

	for _, decl := range tmpl.Variables {
		value, supplied := vars[decl.Name]
		if !supplied || value == "" {
			if decl.Required && decl.Default == "" {
				return nil, apperrors.TemplateError(fmt.Sprintf("missing required variable %q", decl.Name), nil)
			}
			value = decl.Default
		}
		if value != "" {
			if err := checkType(decl, value); err != nil {
				return nil, err
			}
		}
		resolved[decl.Name] = value
	}
	return resolved, nil
}

func checkType(decl model.TemplateVariable, value string) error {
	switch decl.Type {
	case model.VariableNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return apperrors.TemplateError(fmt.Sprintf("variable %q must be a number", decl.Name), err)
		}
	case model.VariableBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return apperrors.TemplateError(fmt.Sprintf("variable %q must be a boolean", decl.Name), err)
		}
	case model.VariableDate:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return apperrors.TemplateError(fmt.Sprintf("variable %q must be an RFC3339 date", decl.Name), err)
		}
	}
	return nil
}

func substitute(text string, vars map[string]string) string {
	if text == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

func (s *Service) validateDefinition(tmpl *model.Template) error {
	if !tmpl.Category.Valid() {
		return apperrors.InvalidTemplate(fmt.Sprintf("unknown category %q", tmpl.Category), nil)
	}
	if len(tmpl.Channels) == 0 {
		return apperrors.InvalidTemplate("template declares no channels", nil)
	}
	for _, ch := range tmpl.Channels {
		if !ch.Valid() {
			return apperrors.InvalidTemplate(fmt.Sprintf("unknown channel %q", ch), nil)
		}
		content, ok := tmpl.Content[ch]
		if !ok || content.Body == "" {
			return apperrors.InvalidTemplate(fmt.Sprintf("missing content for channel %s", ch), nil)
		}
	}

	declared := make(map[string]bool, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		declared[v.Name] = true
	}
	for ch, content := range tmpl.Content {
		for _, name := range placeholders(content) {
			if !declared[name] {
				return apperrors.InvalidTemplate(fmt.Sprintf("channel %s references undeclared variable %q", ch, name), nil)
			}
		}
	}

	if len(tmpl.Variants) > 0 {
		total := 0
		for _, variant := range tmpl.Variants {
			if variant.ID == "" {
				return apperrors.InvalidTemplate("variant is missing an id", nil)
			}
			total += variant.Weight
			for ch, content := range variant.Content {
				for _, name := range placeholders(content) {
					if !declared[name] {
						return apperrors.InvalidTemplate(fmt.Sprintf("variant %s references undeclared variable %q", variant.ID, name), nil)
					}
				}
				if !tmpl.SupportsChannel(ch) {
					return apperrors.InvalidTemplate(fmt.Sprintf("variant %s targets undeclared channel %s", variant.ID, ch), nil)
				}
			}
		}
		if total != 100 {
			return apperrors.InvalidTemplate(fmt.Sprintf("variant weights sum to %d, want 100", total), nil)
		}
	}
	return nil
}

func placeholders(content model.ChannelContent) []string {
	var names []string
	for _, text := range []string{content.Subject, content.Body, content.CTAText, content.CTAURL} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			names = append(names, match[1])
		}
	}
	return names
}
