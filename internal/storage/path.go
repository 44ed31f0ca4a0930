package storage

import (
	"fmt"
	"path"
	"regexp"
)

const ParquetContentType = "application/vnd.apache.parquet"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]{0,127}$`)

// BuildDatasetPath is the object key of a dataset's parquet snapshot.
func BuildDatasetPath(ownerID, datasetID string) (string, error) {
	if err := validatePathComponent(ownerID, "owner id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(datasetID, "dataset id"); err != nil {
		return "", err
	}
	return path.Join(
		"datasets",
		fmt.Sprintf("owner=%s", ownerID),
		fmt.Sprintf("dataset=%s", datasetID),
		"data.parquet",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
