// Package config loads scanflow's runtime options and pipeline definitions.
//
// Runtime options are pflag flags. Load fills every flag the command line
// did not set from, in order, the SCANFLOW_* environment and the config
// file, so a flag "poll-interval" reads SCANFLOW_POLL_INTERVAL and the file
// key poll.interval:
//
//	poll:
//	  interval: 5s
//	redis:
//	  addr: localhost:6379
//
// Pipelines are YAML documents listing jobs and their steps:
//
//	jobs:
//	  - id: pfam
//	    steps:
//	      - id: search
//	        retries: 3
//	        max_units_per_instance: 5000
//	        creates_instances_on_new_data: true
//	        command:
//	          args: [hmmsearch, --cut_ga, "[WORK_DIR]/out", "[RANGE_START]"]
//	          timeout: 2h
//	      - id: cleanup
//	        depends_upon: [search]
//	        delete_files:
//	          paths: ["[OUTPUT_DIR]/raw_[RANGE_START].*"]
package config
