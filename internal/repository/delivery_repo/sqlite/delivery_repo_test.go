package sqlite_test

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"rankdelivery/internal/repository/delivery_repo"
	"rankdelivery/internal/repository/delivery_repo/repotest"
	"rankdelivery/internal/repository/delivery_repo/sqlite"
)

func TestDeliveryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) delivery_repo.DeliveryRepository {
		db := sqlite.OpenTestDB(t)
		return sqlite.NewDeliveryRepository(db, zaptest.NewLogger(t))
	})
}
