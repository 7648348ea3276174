package main

// Shared CLI flags, following Nebo's cmd/nebo/vars.go convention of keeping
// flag-bound package vars in one place.
var cfgFile string
