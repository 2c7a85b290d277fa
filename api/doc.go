// Package api serves the analysis service over a JSON REST interface built on
// chi. POST /api/analyze is rate limited per client IP.
package api
