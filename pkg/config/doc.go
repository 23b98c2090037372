// Package config loads and validates schedule manifests.
//
// # Overview
//
// A manifest names the stages of a world and, for each stage, the systems to
// register with their access declarations. Manifests can be written in CUE,
// YAML, TOML, HCL or JSON; the format is chosen by file extension, and a
// directory is loaded as a CUE package.
//
//	m, err := config.Load("physics.cue")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    os.Exit(1)
//	}
//
// # CUE Manifest Structure
//
//	name:      "physics"
//	tick_rate: "16ms"
//	stages: [{
//	    name: "update"
//	    systems: [{
//	        label:  "physics.gravity"
//	        kind:   "native"
//	        ref:    "physics.gravity"
//	        writes: ["Velocity"]
//	    }, {
//	        label:  "drag"
//	        kind:   "starlark"
//	        source: "drag.star"
//	        writes_resources: ["Drag"]
//	    }]
//	}]
//
// HCL manifests express stages and systems as labelled blocks:
//
//	name = "physics"
//	stage "update" {
//	  system "physics.gravity" {
//	    kind   = "native"
//	    ref    = "physics.gravity"
//	    writes = ["Velocity"]
//	  }
//	}
//
// # Validation
//
// Validation runs three passes and reports every problem at once:
//
//  1. Struct tags checked with go-playground/validator
//  2. The built-in CUE #Manifest schema, unified with the encoded manifest
//  3. Cross-field checks: unique stage names and labels, ref for native
//     systems, exactly one of source or script for scripted systems
//
// Access declarations themselves are checked later, when the schedule is
// rebuilt.
//
// # Hot Reload
//
// Watcher observes the manifest and every script it references and delivers
// debounced reloads on a channel. A manifest that fails to load is delivered as
// an Update carrying the error, so the caller can keep its previous schedule.
package config
