package template

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawpal/comms-api/internal/model"
	"github.com/pawpal/comms-api/internal/repository"
	apperrors "github.com/pawpal/comms-api/pkg/errors"
)

type fakeTemplateRepo struct {
	templates map[uuid.UUID]*model.Template
}

func newFakeTemplateRepo() *fakeTemplateRepo {
	return &fakeTemplateRepo{templates: make(map[uuid.UUID]*model.Template)}
}

func (r *fakeTemplateRepo) Create(_ context.Context, tmpl *model.Template) error {
	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	tmpl.Status = model.TemplateStatusDraft
	tmpl.Version = 1
	r.templates[tmpl.ID] = tmpl
	return nil
}

func (r *fakeTemplateRepo) Get(_ context.Context, id uuid.UUID) (*model.Template, error) {
	tmpl, ok := r.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *tmpl
	return &copied, nil
}

func (r *fakeTemplateRepo) Update(_ context.Context, tmpl *model.Template) error {
	r.templates[tmpl.ID] = tmpl
	return nil
}

func (r *fakeTemplateRepo) Publish(_ context.Context, id uuid.UUID) error {
	tmpl, ok := r.templates[id]
	if !ok {
		return repository.ErrNotFound
	}
	tmpl.Status = model.TemplateStatusPublished
	tmpl.Version++
	return nil
}

func (r *fakeTemplateRepo) List(_ context.Context) ([]*model.Template, error) {
	out := make([]*model.Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl)
	}
	return out, nil
}

func welcomeTemplate() *model.Template {
	return &model.Template{
		ID:       uuid.New(),
		Name:     "welcome",
		Category: model.CategoryTransactional,
		Channels: []model.Channel{model.ChannelEmail, model.ChannelPush},
		Content: map[model.Channel]model.ChannelContent{
			model.ChannelEmail: {Subject: "Welcome {{name}}", Body: "Hi {{name}}, meet {{dog_name}}!"},
			model.ChannelPush:  {Body: "Welcome {{name}}"},
		},
		Variables: []model.TemplateVariable{
			{Name: "name", Type: model.VariableString, Required: true},
			{Name: "dog_name", Type: model.VariableString, Default: "your dog"},
		},
		Status: model.TemplateStatusPublished,
	}
}

func TestRenderSubstitutesVariables(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())
	tmpl := welcomeTemplate()

	payload, _, err := svc.Render(tmpl, model.ChannelEmail, uuid.New(), map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", payload.Subject)
	assert.Equal(t, "Hi Ada, meet your dog!", payload.Body, "default fills missing optional variable")
}

func TestRenderMissingRequiredVariable(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())

	_, _, err := svc.Render(welcomeTemplate(), model.ChannelEmail, uuid.New(), nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTemplateError, apperrors.CodeOf(err))
}

func TestRenderIgnoresUndeclaredVariables(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())

	// Journey sends pass the whole enrollment context; only declared
	// variables may reach the payload.
	payload, _, err := svc.Render(welcomeTemplate(), model.ChannelEmail, uuid.New(),
		map[string]string{"name": "Ada", "source": "import", "__webhook_retry:ping": "2"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ada", payload.Subject)
	assert.NotContains(t, payload.Variables, "source")
	assert.NotContains(t, payload.Variables, "__webhook_retry:ping")
}

func TestRenderTypeValidation(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())
	tmpl := welcomeTemplate()
	tmpl.Variables = append(tmpl.Variables, model.TemplateVariable{Name: "age", Type: model.VariableNumber})
	tmpl.Content[model.ChannelEmail] = model.ChannelContent{Body: "{{name}} is {{age}}"}

	_, _, err := svc.Render(tmpl, model.ChannelEmail, uuid.New(),
		map[string]string{"name": "Ada", "age": "not-a-number"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTemplateError, apperrors.CodeOf(err))

	_, _, err = svc.Render(tmpl, model.ChannelEmail, uuid.New(),
		map[string]string{"name": "Ada", "age": "7"})
	assert.NoError(t, err)
}

func TestVariantPickIsDeterministic(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())
	tmpl := welcomeTemplate()
	tmpl.Variants = []model.ABVariant{
		{ID: "a", Weight: 50, Content: map[model.Channel]model.ChannelContent{
			model.ChannelEmail: {Body: "variant A {{name}}"},
		}},
		{ID: "b", Weight: 50, Content: map[model.Channel]model.ChannelContent{
			model.ChannelEmail: {Body: "variant B {{name}}"},
		}},
	}

	msgID := uuid.New()
	vars := map[string]string{"name": "Ada"}
	first, firstVariant, err := svc.Render(tmpl, model.ChannelEmail, msgID, vars)
	require.NoError(t, err)
	require.NotNil(t, firstVariant)

	for i := 0; i < 10; i++ {
		payload, variant, err := svc.Render(tmpl, model.ChannelEmail, msgID, vars)
		require.NoError(t, err)
		assert.Equal(t, *firstVariant, *variant, "same message id must keep its variant")
		assert.Equal(t, first.Body, payload.Body)
	}
}

func TestPublishRejectsBadVariantWeights(t *testing.T) {
	repo := newFakeTemplateRepo()
	svc := NewService(repo)
	tmpl := welcomeTemplate()
	tmpl.Status = model.TemplateStatusDraft
	tmpl.Variants = []model.ABVariant{
		{ID: "a", Weight: 60},
		{ID: "b", Weight: 60},
	}
	repo.templates[tmpl.ID] = tmpl

	_, err := svc.Publish(context.Background(), tmpl.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTemplate, apperrors.CodeOf(err))
}

func TestPublishRejectsUndeclaredPlaceholder(t *testing.T) {
	repo := newFakeTemplateRepo()
	svc := NewService(repo)
	tmpl := welcomeTemplate()
	tmpl.Status = model.TemplateStatusDraft
	tmpl.Content[model.ChannelPush] = model.ChannelContent{Body: "Hello {{mystery}}"}
	repo.templates[tmpl.ID] = tmpl

	_, err := svc.Publish(context.Background(), tmpl.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTemplate, apperrors.CodeOf(err))
}

func TestPublishThenGetPublished(t *testing.T) {
	repo := newFakeTemplateRepo()
	svc := NewService(repo)

	tmpl, err := svc.Create(context.Background(), &model.CreateTemplateRequest{
		Name:     "welcome",
		Category: model.CategoryTransactional,
		Channels: []model.Channel{model.ChannelEmail},
		Content: map[model.Channel]model.ChannelContent{
			model.ChannelEmail: {Subject: "Hi", Body: "Hello {{name}}"},
		},
		Variables: []model.TemplateVariable{{Name: "name", Required: true}},
	})
	require.NoError(t, err)

	_, err = svc.GetPublished(context.Background(), tmpl.ID)
	require.Error(t, err, "draft templates are not sendable")

	published, err := svc.Publish(context.Background(), tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusPublished, published.Status)

	got, err := svc.GetPublished(context.Background(), tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tmpl.ID, got.ID)
}

func TestGetPublishedUnknownTemplate(t *testing.T) {
	svc := NewService(newFakeTemplateRepo())

	_, err := svc.GetPublished(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidTemplate, apperrors.CodeOf(err))
}
