// Copyright 2025 Gaigentic AI
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/gaigenticai/regulens/shared/errs"
)

// exportArtifact is the self-describing JSON envelope produced by
// ExportAuditData and accepted back by ImportAuditData. Trails inside the
// envelope carry their full step lists, so a round trip loses nothing.
type exportArtifact struct {
	ExportedAt time.Time `json:"exported_at"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	TrailCount int       `json:"trail_count"`
	Trails     []*Trail  `json:"trails"`
}

// ExportAuditData serializes every finalized trail completed inside
// [start, end] into a single JSON artifact for regulators. Trails are
// ordered newest first, matching the compliance read.
func (m *TrailManager) ExportAuditData(ctx context.Context, start, end time.Time) ([]byte, error) {
	trails, err := m.GetAuditTrailForCompliance(ctx, start, end)
	if err != nil {
		return nil, err
	}

	artifact := exportArtifact{
		ExportedAt: time.Now().UTC(),
		Start:      start,
		End:        end,
		TrailCount: len(trails),
		Trails:     trails,
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return nil, errs.Internal("audit_trail", "export", "failed to encode export artifact", err)
	}

	m.log.Info("", "", "Audit data exported", map[string]interface{}{
		"trail_count": len(trails),
		"start":       start.Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	})
	return data, nil
}

// ImportAuditData restores trails from an export artifact, typically when
// rehydrating an environment from a compliance archive. Trails missing their
// identifiers are skipped; everything else lands in the finalized set and,
// in database mode, in the store. Returns the number of trails imported.
func (m *TrailManager) ImportAuditData(ctx context.Context, data []byte) (int, error) {
	var artifact exportArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return 0, errs.Validation("audit_trail", "import", "artifact is not valid export JSON", err)
	}

	imported := 0
	for _, trail := range artifact.Trails {
		if trail == nil || trail.TrailID == "" || trail.DecisionID == "" {
			m.log.Warn("", "", "Skipping import of trail without identifiers", nil)
			continue
		}
		trail.Finalized = true

		if m.store != nil {
			exp := buildExplanation(trail, LevelDetailed)
			if err := m.store.SaveTrail(ctx, trail, exp); err != nil {
				return imported, errs.Persistence("audit_trail", "import", "failed to persist imported trail "+trail.TrailID, err)
			}
		}
		m.rememberFinalized(trail)
		imported++
	}

	m.log.Info("", "", "Audit data imported", map[string]interface{}{
		"trail_count": imported,
	})
	return imported, nil
}

// ExportAuditDataToFile writes the export artifact to path.
func (m *TrailManager) ExportAuditDataToFile(ctx context.Context, path string, start, end time.Time) error {
	data, err := m.ExportAuditData(ctx, start, end)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Persistence("audit_trail", "export", "failed to write export artifact to "+path, err)
	}
	return nil
}

// ImportAuditDataFromFile restores trails from an export artifact on disk.
func (m *TrailManager) ImportAuditDataFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errs.Validation("audit_trail", "import", "failed to read artifact "+path, err)
	}
	return m.ImportAuditData(ctx, data)
}
