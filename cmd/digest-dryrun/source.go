package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/worknow/newsletter/internal/domain"
	"github.com/worknow/newsletter/internal/seekers"
)

// objectGetter is the part of the S3 client the loader needs.
type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// parseS3URI splits s3://bucket/key. ok is false for anything else.
func parseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func newS3Client(ctx context.Context, region, profile string) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// loadCandidates reads a candidate export from a local path or an S3 URI.
// getter is only used for S3 URIs.
func loadCandidates(ctx context.Context, src string, getter objectGetter) ([]domain.Candidate, error) {
	if bucket, key, ok := parseS3URI(src); ok {
		if getter == nil {
			return nil, fmt.Errorf("no S3 client for %s", src)
		}
		out, err := getter.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", src, err)
		}
		defer out.Body.Close()
		return seekers.DecodeCandidates(out.Body)
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return seekers.DecodeCandidates(f)
}
