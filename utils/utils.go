// Package utils is the "lowest" package in pgtemp, even below the logger.
// Therefore, it should only contain simple functions and constants that
// don't require any logging at all and must be broadly available throughout
// the rest of the module.
package utils // import "github.com/pgtemp/pgtemp/utils"
