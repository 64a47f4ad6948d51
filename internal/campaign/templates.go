package campaign

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/natemoovs/zerochurn/internal/domain"
	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// Renderer renders step-config templates with Liquid. Parsed templates
// are cached by key so repeated ticks don't re-parse unchanged steps.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the domain filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ mrr | currency }}
	engine.RegisterFilter("currency", func(value interface{}) string {
		switch v := value.(type) {
		case float64:
			return fmt.Sprintf("$%.2f", v)
		case int:
			return fmt.Sprintf("$%d.00", v)
		default:
			return fmt.Sprintf("%v", value)
		}
	})

	// {{ account_name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ health_class | upcase_class }}
	engine.RegisterFilter("upcase_class", func(s string) string {
		return strings.ToUpper(s)
	})

	return &Renderer{engine: engine}
}

// TemplateContext builds the variable bindings available to step templates.
func TemplateContext(s *domain.AccountSignals) map[string]interface{} {
	ctx := map[string]interface{}{
		"account_name":          s.Name,
		"plan_tier":             s.PlanTier,
		"mrr":                   s.MRR,
		"health_class":          string(s.HealthClass),
		"days_since_last_login": s.DaysSinceLastLogin,
		"trips_last_30_days":    s.TripsLast30Days,
		"total_trips":           s.TotalTrips,
		"months_as_customer":    s.MonthsAsCustomer,
	}
	if s.ContractEndDate != nil {
		ctx["contract_end_date"] = s.ContractEndDate.Format(time.DateOnly)
	}
	return ctx
}

// Render renders one template string. On parse or render failure the raw
// template is returned so a bad template degrades to literal text instead
// of blocking the step.
func (r *Renderer) Render(cacheKey, tmpl string, ctx map[string]interface{}) string {
	if tmpl == "" {
		return ""
	}

	var parsed *liquid.Template
	if cached, ok := r.cache.Load(cacheKey); ok {
		parsed = cached.(*liquid.Template)
	} else {
		var err error
		parsed, err = r.engine.ParseString(tmpl)
		if err != nil {
			logger.Warn("campaign template parse failed", "key", cacheKey, "error", err.Error())
			return tmpl
		}
		r.cache.Store(cacheKey, parsed)
	}

	out, err := parsed.RenderString(ctx)
	if err != nil {
		logger.Warn("campaign template render failed", "key", cacheKey, "error", err.Error())
		return tmpl
	}
	return out
}
