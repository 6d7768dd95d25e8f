package firestore

import (
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
)

func aggregateCount(result firestore.AggregationResult, alias string) (int, error) {
	raw, ok := result[alias]
	if !ok {
		return 0, fmt.Errorf("aggregation alias %q missing", alias)
	}
	value, ok := raw.(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("aggregation alias %q has unexpected type %T", alias, raw)
	}
	return int(value.GetIntegerValue()), nil
}
