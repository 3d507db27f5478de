package version

// Version is the current release of the vitaltag binary.
const Version = "0.3.0"
