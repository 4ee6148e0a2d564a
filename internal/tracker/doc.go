// Package tracker is the stateful side of erwatch. It defines the Timed
// Request model, the breach and escalation Trigger, the Service (request
// lifecycle, remaining-time views, dashboard stats), the Ticker that drives
// the Trigger over every open request, and the Store interface both
// persistence backends implement.
package tracker
