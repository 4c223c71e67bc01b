// Package seed loads sample projects and donations into an empty ledger.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/Bshisia/community-hope/internal/donation"
	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed sample.yaml
var sampleYAML []byte

type Project struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	ImageURL     string `yaml:"image_url"`
	TargetAmount int64  `yaml:"target_amount"`
	Category     string `yaml:"category"`
}

// Donation is settled as completed with Receipt as the provider reference.
type Donation struct {
	Project string `yaml:"project"`
	Amount  int64  `yaml:"amount"`
	Method  string `yaml:"method"`
	Phone   string `yaml:"phone"`
	Message string `yaml:"message"`
	Receipt string `yaml:"receipt"`
}

type Data struct {
	Projects  []Project  `yaml:"projects"`
	Donations []Donation `yaml:"donations"`
}

// Summary reports what Run did.
type Summary struct {
	Projects  int
	Donations int
	Skipped   bool // ledger already had projects
}

// Sample returns the embedded sample data.
func Sample() (*Data, error) {
	return Parse(sampleYAML)
}

// Parse decodes seed YAML and checks donation references.
func Parse(raw []byte) (*Data, error) {
	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse seed data: %w", err)
	}
	names := make(map[string]bool, len(d.Projects))
	for _, p := range d.Projects {
		if p.Name == "" || p.TargetAmount <= 0 {
			return nil, fmt.Errorf("seed project %q: name and positive target_amount required", p.Name)
		}
		names[p.Name] = true
	}
	for i, dn := range d.Donations {
		if !names[dn.Project] {
			return nil, fmt.Errorf("seed donation %d: unknown project %q", i, dn.Project)
		}
		if dn.Receipt == "" {
			return nil, fmt.Errorf("seed donation %d: receipt required", i)
		}
	}
	return &d, nil
}

// Run inserts data when the ledger has no projects. Donations go through the
// lifecycle manager: create, attach a token, reconcile a successful callback.
func Run(ctx context.Context, store ledger.Store, mgr *donation.Manager, data *Data, logger *slog.Logger) (Summary, error) {
	existing, err := store.ListProjects(ctx, ledger.ProjectFilter{})
	if err != nil {
		return Summary{}, err
	}
	if len(existing) > 0 {
		logger.Info("ledger not empty, seed skipped", "projects", len(existing))
		return Summary{Skipped: true}, nil
	}

	var sum Summary
	ids := make(map[string]uint, len(data.Projects))
	for _, sp := range data.Projects {
		p := &models.Project{
			Name:         sp.Name,
			Description:  sp.Description,
			ImageURL:     sp.ImageURL,
			TargetAmount: sp.TargetAmount,
			Category:     sp.Category,
		}
		if err := store.CreateProject(ctx, p); err != nil {
			return sum, fmt.Errorf("seed project %q: %w", sp.Name, err)
		}
		ids[sp.Name] = p.ID
		sum.Projects++
	}

	for i, sd := range data.Donations {
		d, err := mgr.Create(ctx, donation.CreateInput{
			ProjectID:     ids[sd.Project],
			Amount:        sd.Amount,
			PaymentMethod: sd.Method,
			PhoneNumber:   sd.Phone,
			Message:       sd.Message,
		})
		if err != nil {
			return sum, fmt.Errorf("seed donation %d: %w", i, err)
		}

		token := "seed-" + sd.Receipt
		if _, err := mgr.AttachCorrelationToken(ctx, d.ID, token); err != nil {
			return sum, fmt.Errorf("seed donation %d: %w", i, err)
		}
		res, err := mgr.Reconcile(ctx, donation.Notification{
			Token:          token,
			Outcome:        donation.OutcomeSuccess,
			Receipt:        sd.Receipt,
			ReportedAmount: sd.Amount,
		})
		if err != nil {
			return sum, fmt.Errorf("seed donation %d: %w", i, err)
		}
		if res != donation.Applied {
			return sum, fmt.Errorf("seed donation %d: reconcile %s", i, res)
		}
		sum.Donations++
	}

	logger.Info("seed data loaded", "projects", sum.Projects, "donations", sum.Donations)
	return sum, nil
}
