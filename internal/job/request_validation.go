package job

import (
	"strings"

	"github.com/joshu-sajeev/kapublish/internal/config"
	"github.com/joshu-sajeev/kapublish/internal/dto"
	"github.com/joshu-sajeev/kapublish/middleware"
)

// Defaults fill in whatever a request leaves out.
type Defaults struct {
	Priority    int
	Epochs      int
	MaxAttempts int
}

func DefaultsFromConfig(cfg *config.Pipeline) Defaults {
	return Defaults{
		Priority:    cfg.DefaultPriority,
		Epochs:      cfg.DefaultEpochs,
		MaxAttempts: cfg.DefaultMaxAttempts,
	}
}

// ValidateRequest checks the request structurally and returns it with every
// default applied. The error is a 400 APIError listing all violated fields.
// content is only checked for presence; its meaning belongs to the network.
func ValidateRequest(req *dto.PublishRequest, d Defaults) (dto.NormalizedPublish, error) {
	var r dto.PublishRequest
	if req != nil {
		r = *req
	}
	r.Metadata.Source = strings.TrimSpace(r.Metadata.Source)
	r.Metadata.SourceID = strings.TrimSpace(r.Metadata.SourceID)

	if err := middleware.Validate(&r); err != nil {
		return dto.NormalizedPublish{}, err
	}

	out := dto.NormalizedPublish{
		Content:     r.Content,
		Source:      r.Metadata.Source,
		SourceID:    r.Metadata.SourceID,
		Priority:    d.Priority,
		Privacy:     config.PrivacyPublic,
		Epochs:      d.Epochs,
		MaxAttempts: d.MaxAttempts,
	}
	if r.Metadata.Priority != nil {
		out.Priority = *r.Metadata.Priority
	}
	if o := r.PublishOptions; o != nil {
		if o.Privacy != "" {
			out.Privacy = o.Privacy
		}
		if o.Epochs != nil {
			out.Epochs = *o.Epochs
		}
		if o.MaxAttempts != nil {
			out.MaxAttempts = *o.MaxAttempts
		}
	}
	return out, nil
}
