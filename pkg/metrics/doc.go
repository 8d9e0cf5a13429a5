// Package metrics attaches cached, derived metrics to the records of a GORM
// model without changing the model's table.
//
// An Owner declares the owning model and its companion store, a table with
// one row per owning record holding a value column and an
// updated__<metric>__at timestamp column per metric:
//
//	users, err := metrics.NewOwner[User](db, metrics.OwnerConfig{StoreTable: "user_metrics"})
//	petsCount := users.RegisterSingle("pets_count",
//		func(ctx context.Context, tx *gorm.DB, u *User) (any, error) {
//			var n int64
//			err := tx.Model(&Pet{}).Where("user_id = ?", u.ID).Count(&n).Error
//			return n, err
//		},
//		metrics.Every(time.Hour), metrics.InferAggregate())
//
//	v, err := petsCount.Value(ctx, users.Bind(&user))
//
// Reconcile derives the store schema from the registered metrics and adds
// or drops columns to match. RunFullPass refreshes every record: metrics
// marked InferAggregate are evaluated once against a sample record, their
// single captured query is rewritten into a correlated UPDATE over the
// store, and whatever cannot be done in bulk is computed per record in
// batch transactions.
package metrics
