package filedrop

// Version is the library version reported to hosts.
const Version = "1.2.0"
