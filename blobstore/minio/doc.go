// Package minio provides an archive store for MinIO and other S3-compatible
// object stores.
//
//	client, _ := minio.New("localhost:9000", &minio.Options{
//		Creds: credentials.NewStaticV4(key, secret, ""),
//	})
//	store := miniostore.NewStore(client, "pkindex", "tablet-42/")
package minio
