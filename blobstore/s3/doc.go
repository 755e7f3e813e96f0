// Package s3 provides an Amazon S3 backed archive store.
//
// Archived index files are single immutable objects, so every write is one
// PutObject and reads use ranged GetObject requests.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(s3.NewFromConfig(cfg), "my-bucket", "tablet-42/")
package s3
