/*
Package config loads YAML configuration files for coordinator and worker
processes. CLI flags override file values; unset fields fall back to
defaults.
*/
package config
