package contextcache

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/farm-intake/internal/domain"
)

// Package sources.
const (
	SourceDatabase = "database"
	SourceUpdate   = "update"
)

// Package is a snapshot of one farmer's relational data. Child records are
// grouped by their parent field id. Packages returned by the cache are
// shared and must be treated as read-only.
type Package struct {
	FarmerID    int64                             `json:"farmer_id"`
	FarmerInfo  domain.Farmer                     `json:"farmer_info"`
	Fields      []domain.Field                    `json:"fields"`
	Tasks       map[int64][]domain.Task           `json:"tasks"`
	Crops       map[int64][]domain.CropAssignment `json:"crops"`
	Materials   map[int64][]domain.MaterialUsage  `json:"materials"`
	TotalFields int                               `json:"total_fields"`
	GeneratedAt time.Time                         `json:"generated_at"`
	ExpiresAt   time.Time                         `json:"expires_at"`
	Source      string                            `json:"source"`
	Version     int                               `json:"version"`
}

// Summary renders a compact, prompt-sized description of the package.
func (p *Package) Summary() string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	if name := p.FarmerInfo.FullName(); name != "" {
		fmt.Fprintf(&b, "Farmer: %s", name)
		if p.FarmerInfo.Location != "" {
			fmt.Fprintf(&b, " (%s)", p.FarmerInfo.Location)
		}
		b.WriteString(".\n")
	}
	fmt.Fprintf(&b, "%d fields:", p.TotalFields)
	for _, f := range p.Fields {
		fmt.Fprintf(&b, "\n- %s: %s ha", f.Name, f.AreaHa.String())
		if f.SoilType != "" {
			fmt.Fprintf(&b, ", %s soil", f.SoilType)
		}
		if crops := p.Crops[f.ID]; len(crops) > 0 {
			names := make([]string, 0, len(crops))
			for _, c := range crops {
				names = append(names, c.CropName)
			}
			fmt.Fprintf(&b, "; crops: %s", strings.Join(names, ", "))
		}
		open := 0
		for _, t := range p.Tasks[f.ID] {
			if t.PerformedAt == nil {
				open++
			}
		}
		if open > 0 {
			fmt.Fprintf(&b, "; %d open tasks", open)
		}
		if used := p.Materials[f.ID]; len(used) > 0 {
			last := used[len(used)-1]
			fmt.Fprintf(&b, "; last material: %s %s %s", last.Quantity.String(), last.Unit, last.Material)
		}
	}
	return b.String()
}
