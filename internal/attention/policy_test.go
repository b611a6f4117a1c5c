package attention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platevision/monitor-cli/internal/model"
)

func TestShouldAttend(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	reviewer := model.NewCapabilitySet(model.CapReviewDetections)
	admin := model.NewCapabilitySet(model.CapManageCameras)
	nobody := model.NewCapabilitySet()

	assert.True(t, p.ShouldAttend(model.EventDetectionAnalyzing, reviewer))
	assert.True(t, p.ShouldAttend(model.EventDetectionComplete, reviewer))
	assert.True(t, p.ShouldAttend(model.EventNewDetection, reviewer))

	// Background refreshes never interrupt, whatever the capabilities.
	assert.False(t, p.ShouldAttend(model.EventRecentDetections, reviewer))
	assert.False(t, p.ShouldAttend(model.EventCameraStatus, reviewer))
	assert.False(t, p.ShouldAttend(model.EventSystemAlert, reviewer))

	// Capability gate.
	assert.False(t, p.ShouldAttend(model.EventDetectionComplete, admin))
	assert.False(t, p.ShouldAttend(model.EventDetectionComplete, nobody))
}

func TestShouldAttend_CustomAllowList(t *testing.T) {
	t.Parallel()

	p := NewPolicy(WithAllowedCapabilities(model.CapManageCameras))
	admin := model.NewCapabilitySet(model.CapManageCameras)
	reviewer := model.NewCapabilitySet(model.CapReviewDetections)

	assert.True(t, p.ShouldAttend(model.EventDetectionComplete, admin))
	assert.False(t, p.ShouldAttend(model.EventDetectionComplete, reviewer))
}

func TestAutoDismissDelay(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	noWaste := "no_waste"
	rice := "Rice"

	cases := []struct {
		name    string
		d       model.Detection
		status  model.Status
		want    time.Duration
		defined bool
	}{
		{"complete no-waste", model.Detection{ID: 1, Category: &noWaste}, model.StatusComplete, time.Second, true},
		{"complete ordinary", model.Detection{ID: 1, Category: &rice}, model.StatusComplete, 10 * time.Second, true},
		{"complete no category", model.Detection{ID: 1}, model.StatusComplete, 10 * time.Second, true},
		{"ai_error", model.Detection{ID: 1}, model.StatusAIError, 10 * time.Second, true},
		{"analyzing", model.Detection{ID: 1}, model.StatusAnalyzing, 0, false},
		{"food_classified", model.Detection{ID: 1, Category: &rice}, model.StatusFoodClassified, 0, false},
		{"initial_ocr_complete", model.Detection{ID: 1, Category: &rice}, model.StatusInitialOCRComplete, 0, false},
	}

	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := p.AutoDismissDelay(tt.d, tt.status)
			require.Equal(t, tt.defined, ok)
			if tt.defined {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAutoDismissDelay_CategoryMatchIsLenient(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	for _, category := range []string{"No_Waste", "NO_WASTE", "  no_waste  "} {
		c := category
		got, ok := p.AutoDismissDelay(model.Detection{ID: 1, Category: &c}, model.StatusComplete)
		require.True(t, ok)
		assert.Equal(t, time.Second, got, "category %q should count as no-waste", category)
	}
}

func TestAutoDismissDelay_Configurable(t *testing.T) {
	t.Parallel()

	p := NewPolicy(
		WithNoWasteCategory("empty_tray"),
		WithDismissDelays(500*time.Millisecond, 5*time.Second),
	)
	empty := "empty_tray"
	noWaste := "no_waste"

	got, ok := p.AutoDismissDelay(model.Detection{ID: 1, Category: &empty}, model.StatusComplete)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, got)

	// The stock name no longer matches once renamed.
	got, ok = p.AutoDismissDelay(model.Detection{ID: 1, Category: &noWaste}, model.StatusComplete)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, got)
}

func TestActionsEnabled(t *testing.T) {
	t.Parallel()

	p := NewPolicy()
	assert.True(t, p.ActionsEnabled(model.StatusComplete))
	assert.True(t, p.ActionsEnabled(model.StatusAIError))
	assert.False(t, p.ActionsEnabled(model.StatusAnalyzing))
	assert.False(t, p.ActionsEnabled(model.StatusFoodClassified))
	assert.False(t, p.ActionsEnabled(model.StatusInitialOCRComplete))
	assert.False(t, p.ActionsEnabled(model.StatusUnknown))
}
