package tlsutil
