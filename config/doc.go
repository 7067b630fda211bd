// Package config loads service configuration with viper.
//
// Values come from, in increasing priority: built-in defaults, a YAML file,
// and SHOPCACHE_* environment variables (cache.ttl is SHOPCACHE_CACHE_TTL).
//
// Example shopcache.yaml:
//
//	data_dir: /var/lib/shopcache
//	image_dir: /var/lib/shopcache/images
//	cache:
//	  ttl: 48h
//	  sweep_interval: 1h
//	sources:
//	  - name: Amazon
//	    url: http://scrapers:8080/amazon?q={query}
//	    rate: 1
//	    max_attempts: 3
package config
