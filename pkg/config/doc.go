// Package config loads the registry's YAML configuration file.
//
// # Overview
//
// The file path is selected by the -c flag on cmd/registry's command line.
// All fields have defaults suitable for a filesystem-backed local
// development instance; only the top-level "service", "index", "auth", and
// "store" sections are recognized.
//
// # Example
//
//	service:
//	  address: "0.0.0.0:8080"
//	  metrics_address: "0.0.0.0:9090"
//	  auth_required: true
//	  max_crate_size: 10485760
//	index:
//	  index_db: "postgres://registry@localhost/registry"
//	auth:
//	  backend: postgres
//	  auth_db: "postgres://registry@localhost/registry"
//	  auth_tokens_pepper: "change-me"
//	store:
//	  name: s3
//	  endpoint_url: "https://s3.us-east-1.amazonaws.com"
//	  region: "us-east-1"
//	  bucket: "registry-tarballs"
//
// # Hot reload
//
// When service.config_reload is true, cmd/registry calls config.Watch, which
// uses fsnotify to re-parse the file on every write and hands the result to a
// callback. cmd/registry's callback applies auth_required, allow_registration
// and max_crate_size; the backends stay as selected at startup. A parse
// failure during a reload is logged and the previous configuration stays in
// effect.
package config
