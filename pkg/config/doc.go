// Package config loads deployment descriptors and deckhand settings.
//
// A descriptor declares one cluster and the environments deployed to it. It
// can be written as YAML, JSON, a single CUE file or a CUE package directory.
// Every source is checked against the built-in CUE schema, the struct tags on
// the Go types and the cross-references between components:
//
//	loader := config.NewLoader(logger)
//	parsed, err := loader.Load(ctx, "deckhand.yaml")
//	var verrs config.ValidationErrors
//	if errors.As(err, &verrs) {
//	    for _, e := range verrs {
//	        fmt.Println(e)
//	    }
//	}
//
// Settings are read with viper from an optional file and DECKHAND_* variables,
// e.g. DECKHAND_ENGINE_MAX_PARALLEL=4.
package config
