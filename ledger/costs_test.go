package ledger

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicefly/credits-service/models"
	"github.com/voicefly/credits-service/tests"
)

func TestCampaignCost(t *testing.T) {
	t.Run("should round a partial email batch up", func(t *testing.T) {
		result := CampaignCost(250, "email")

		require.True(t, result.Success(), result.ErrorMsg())
		assert.Equal(t, 45, result.Value())
	})

	t.Run("should charge exact batches without rounding", func(t *testing.T) {
		result := CampaignCost(200, "email")

		require.True(t, result.Success(), result.ErrorMsg())
		assert.Equal(t, 30, result.Value())
	})

	t.Run("should bill sms and voice per recipient", func(t *testing.T) {
		assert.Equal(t, 14, CampaignCost(7, "sms").Value())
		assert.Equal(t, 70, CampaignCost(7, "voice").Value())
	})

	t.Run("should cost nothing for an empty audience", func(t *testing.T) {
		result := CampaignCost(0, "email")

		require.True(t, result.Success(), result.ErrorMsg())
		assert.Equal(t, 0, result.Value())
	})

	t.Run("should refuse an unknown channel", func(t *testing.T) {
		result := CampaignCost(100, "carrier_pigeon")

		assert.True(t, result.Failure())
		assert.Equal(t, models.ErrorCodeUnknownChannel, result.ErrorCode())
		assert.False(t, result.IsCapturable())
	})

	t.Run("should refuse a negative recipient count", func(t *testing.T) {
		result := CampaignCost(-1, "email")

		assert.True(t, result.Failure())
		assert.Equal(t, models.ErrorCodeInvalidAmount, result.ErrorCode())
	})
}

func TestCostTable(t *testing.T) {
	t.Run("should resolve compiled-in defaults", func(t *testing.T) {
		table := NewCostTable()

		result := table.CostFor("deep_research")

		require.True(t, result.Success(), result.ErrorMsg())
		assert.Equal(t, 25, result.Value())
	})

	t.Run("should refuse an unknown feature", func(t *testing.T) {
		table := NewCostTable()

		result := table.CostFor("quantum_dialing")

		assert.True(t, result.Failure())
		assert.Equal(t, models.ErrorCodeUnknownFeature, result.ErrorCode())
	})

	t.Run("should apply store overrides on top of defaults", func(t *testing.T) {
		db, mock, cleanup := tests.SetupMockStore(t)
		defer cleanup()
		store := models.NewLedgerStore(db)

		rows := sqlmock.NewRows([]string{"feature", "credits"}).
			AddRow("sms_send", 3)
		mock.ExpectQuery(`SELECT \* FROM "feature_costs"`).
			WillReturnRows(rows)

		table := NewCostTable()
		loadResult := table.LoadOverrides(store)

		require.True(t, loadResult.Success(), loadResult.ErrorMsg())
		assert.Equal(t, 1, loadResult.Value())
		assert.Equal(t, 3, table.CostFor("sms_send").Value())
		assert.Equal(t, 1, table.CostFor("email_send").Value())
	})
}
